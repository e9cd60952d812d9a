// Package categorize runs the tiered categorization cascade: cache,
// vendor affinity, local classifier, then the small and large model
// tiers. Each tier answers only when it clears its confidence bar; the
// large tier always answers.
package categorize

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/catcache"
	"github.com/ngmhub/siteledger/internal/llm"
	"github.com/ngmhub/siteledger/internal/models"
)

// llmGateway is the slice of the model gateway the cascade uses.
type llmGateway interface {
	ClassifySmall(ctx context.Context, system, user string) (*llm.Result, error)
	AnalyzeLarge(ctx context.Context, system, user string) (*llm.Result, error)
}

// affinitySource answers dominant-account questions per vendor.
type affinitySource interface {
	Dominant(ctx context.Context, vendorID string) (*models.VendorAffinity, error)
}

// localClassifier is the trained in-process model.
type localClassifier interface {
	Classify(description, stage string) (accountID string, confidence int)
}

// accountSource lists the chart of accounts for prompts and validation.
type accountSource interface {
	Accounts(ctx context.Context) ([]models.Account, error)
	AccountName(ctx context.Context, id string) (string, error)
}

// Config carries the cascade thresholds.
type Config struct {
	MinMLConfidence    int
	MinSmallConfidence int
	MaxCorrections     int
	PowerToolLexicon   []string
	ToolQualifiers     []string
}

// Engine is the cascade orchestrator.
type Engine struct {
	db         *sql.DB
	cache      *catcache.Store
	affinity   affinitySource
	classifier localClassifier
	gateway    llmGateway
	accounts   accountSource
	guard      *toolGuard
	logger     *zap.Logger

	minML          int
	minSmall       int
	maxCorrections int
}

// NewEngine wires the cascade.
func NewEngine(
	db *sql.DB,
	cache *catcache.Store,
	affinity affinitySource,
	classifier localClassifier,
	gateway llmGateway,
	accounts accountSource,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:             db,
		cache:          cache,
		affinity:       affinity,
		classifier:     classifier,
		gateway:        gateway,
		accounts:       accounts,
		guard:          newToolGuard(cfg.PowerToolLexicon, cfg.ToolQualifiers),
		logger:         logger,
		minML:          cfg.MinMLConfidence,
		minSmall:       cfg.MinSmallConfidence,
		maxCorrections: cfg.MaxCorrections,
	}
}

// CategorizeBatch resolves every row through the cascade and persists a
// metrics row for the call. Identical fingerprints within the batch are
// resolved once and replayed.
func (e *Engine) CategorizeBatch(ctx context.Context, rows []models.CategorizationRequest) ([]models.CategorizationResult, *models.CategorizationMetrics, error) {
	start := time.Now()
	metrics := &models.CategorizationMetrics{}
	results := make([]models.CategorizationResult, len(rows))
	replay := make(map[string]*models.CategorizationResult)

	var pending []int                    // primary slots still unresolved after the local tiers
	pendingFP := make(map[string][]int) // fingerprint -> slots sharing it
	for i, row := range rows {
		results[i] = models.CategorizationResult{RowIndex: row.RowIndex}

		if warning := e.guard.Check(row.Description); warning != "" {
			results[i].Warning = warning
			continue
		}

		fp := catcache.Fingerprint(row.Description, row.Stage)
		if prev, ok := replay[fp]; ok {
			r := *prev
			r.RowIndex = row.RowIndex
			results[i] = r
			metrics.CacheHits++
			continue
		}

		if hit, err := e.cache.Lookup(ctx, fp); err != nil {
			e.logger.Warn("cache lookup failed", zap.Error(err))
		} else if hit != nil {
			results[i] = models.CategorizationResult{
				RowIndex:    row.RowIndex,
				AccountID:   hit.AccountID,
				AccountName: hit.AccountName,
				Confidence:  hit.Confidence,
				Source:      models.SourceCache,
				Reasoning:   hit.Reasoning,
			}
			e.cache.Touch(ctx, fp)
			replay[fp] = &results[i]
			metrics.CacheHits++
			continue
		}
		metrics.CacheMisses++

		if row.VendorID != "" {
			dom, err := e.affinity.Dominant(ctx, row.VendorID)
			if err != nil {
				e.logger.Warn("affinity lookup failed", zap.Error(err))
			} else if dom != nil {
				name, _ := e.accounts.AccountName(ctx, dom.AccountID)
				results[i] = models.CategorizationResult{
					RowIndex:    row.RowIndex,
					AccountID:   dom.AccountID,
					AccountName: name,
					Confidence:  int(math.Round(dom.Ratio * 100)),
					Source:      models.SourceAffinity,
					Reasoning:   fmt.Sprintf("vendor history: %d of %d purchases", dom.Count, dom.VendorTotal),
				}
				replay[fp] = &results[i]
				continue
			}
		}

		if account, conf := e.classifier.Classify(row.Description, row.Stage); conf >= e.minML {
			name, _ := e.accounts.AccountName(ctx, account)
			results[i] = models.CategorizationResult{
				RowIndex:    row.RowIndex,
				AccountID:   account,
				AccountName: name,
				Confidence:  conf,
				Source:      models.SourceML,
				Reasoning:   "local classifier",
			}
			replay[fp] = &results[i]
			// Confident classifier answers enter the cache like model
			// answers, so the next call skips both tiers.
			if insertErr := e.cache.Insert(ctx, &models.CacheEntry{
				Fingerprint: fp,
				Stage:       row.Stage,
				AccountID:   account,
				AccountName: name,
				Confidence:  conf,
				Reasoning:   "local classifier",
			}); insertErr != nil {
				e.logger.Warn("cache insert failed", zap.Error(insertErr))
			}
			continue
		}

		// Identical unresolved rows go to the model once.
		if slots, dup := pendingFP[fp]; dup {
			pendingFP[fp] = append(slots, i)
			metrics.CacheHits++
			metrics.CacheMisses--
			continue
		}
		pendingFP[fp] = []int{i}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		if err := e.resolveWithModels(ctx, rows, results, pending, replay, metrics); err != nil {
			return nil, nil, err
		}
		// Fan resolved answers out to duplicate rows.
		for _, slots := range pendingFP {
			for _, slot := range slots[1:] {
				r := results[slots[0]]
				r.RowIndex = rows[slot].RowIndex
				results[slot] = r
			}
		}
	}

	metrics.ElapsedMS = time.Since(start).Milliseconds()
	for _, r := range results {
		if r.Warning != "" {
			continue
		}
		if r.Confidence < 70 {
			metrics.Below70Count++
		}
		if r.Confidence < 60 {
			metrics.Below60Count++
		}
		if r.Confidence < 50 {
			metrics.Below50Count++
		}
	}
	e.persistMetrics(ctx, metrics)
	return results, metrics, nil
}

// resolveWithModels sends unresolved rows through the small tier, then
// escalates leftovers to the large tier, which always decides.
func (e *Engine) resolveWithModels(ctx context.Context, rows []models.CategorizationRequest, results []models.CategorizationResult, pending []int, replay map[string]*models.CategorizationResult, metrics *models.CategorizationMetrics) error {
	accounts, err := e.accounts.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts for categorization: %w", err)
	}
	valid := make(map[string]string, len(accounts))
	for _, a := range accounts {
		valid[a.ID] = a.Name
	}

	corrections := e.recentCorrections(ctx, rows[pending[0]].ProjectID, rows[pending[0]].Stage)

	batch := make([]models.CategorizationRequest, 0, len(pending))
	byRowIndex := make(map[int]int, len(pending)) // row_index -> results slot
	for _, i := range pending {
		batch = append(batch, rows[i])
		byRowIndex[rows[i].RowIndex] = i
	}

	apply := func(res *llm.Result, source models.CategorizationSource, minConfidence int) []int {
		metrics.LLMTokensUsed += res.TotalTokens
		var parsed classifyResponse
		if err := json.Unmarshal(res.Value, &parsed); err != nil {
			e.logger.Warn("unparseable categorization response", zap.Error(err))
			return pendingSlots(byRowIndex)
		}
		answered := make(map[int]bool)
		for _, r := range parsed.Results {
			slot, ok := byRowIndex[r.RowIndex]
			if !ok {
				continue
			}
			name, known := valid[r.AccountID]
			if !known || r.Confidence < minConfidence {
				continue
			}
			results[slot] = models.CategorizationResult{
				RowIndex:    r.RowIndex,
				AccountID:   r.AccountID,
				AccountName: name,
				Confidence:  r.Confidence,
				Source:      source,
				Reasoning:   r.Reasoning,
			}
			fp := catcache.Fingerprint(rows[slot].Description, rows[slot].Stage)
			replay[fp] = &results[slot]
			if insertErr := e.cache.Insert(ctx, &models.CacheEntry{
				Fingerprint: fp,
				Stage:       rows[slot].Stage,
				AccountID:   r.AccountID,
				AccountName: name,
				Confidence:  r.Confidence,
				Reasoning:   r.Reasoning,
			}); insertErr != nil {
				e.logger.Warn("cache insert failed", zap.Error(insertErr))
			}
			answered[slot] = true
		}
		var left []int
		for _, slot := range byRowIndex {
			if !answered[slot] {
				left = append(left, slot)
			}
		}
		return left
	}

	prompt := buildClassifyPrompt(batch, accounts, corrections)
	var leftover []int
	res, err := e.gateway.ClassifySmall(ctx, classifySystemPrompt, prompt)
	if err != nil {
		e.logger.Warn("small tier failed, escalating whole batch", zap.Error(err))
		leftover = pendingSlots(byRowIndex)
	} else {
		leftover = apply(res, models.SourceLLMSmall, e.minSmall)
	}

	if len(leftover) == 0 {
		return nil
	}

	escBatch := make([]models.CategorizationRequest, 0, len(leftover))
	escByRowIndex := make(map[int]int, len(leftover))
	for _, slot := range leftover {
		escBatch = append(escBatch, rows[slot])
		escByRowIndex[rows[slot].RowIndex] = slot
	}
	byRowIndex = escByRowIndex

	res, err = e.gateway.AnalyzeLarge(ctx, classifySystemPrompt, buildClassifyPrompt(escBatch, accounts, corrections))
	if err != nil {
		return fmt.Errorf("large tier categorization failed: %w", err)
	}
	for _, slot := range apply(res, models.SourceLLMLarge, 0) {
		// The large tier answered nothing usable for this row.
		results[slot].Warning = "no valid account returned by any tier"
	}
	return nil
}

func pendingSlots(byRowIndex map[int]int) []int {
	slots := make([]int, 0, len(byRowIndex))
	for _, s := range byRowIndex {
		slots = append(slots, s)
	}
	return slots
}

// recentCorrections pulls the latest human account fixes for the same
// project and stage from the change log.
func (e *Engine) recentCorrections(ctx context.Context, projectID, stage string) []models.Correction {
	if e.maxCorrections <= 0 {
		return nil
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT e.description, cl.old_value, cl.new_value
		FROM expense_change_log cl
		JOIN expenses e ON e.id = cl.expense_id
		JOIN projects p ON p.id = e.project_id
		WHERE cl.field = 'account_id'
		  AND e.project_id = ?
		  AND (? = '' OR p.stage = ?)
		ORDER BY cl.created_at DESC
		LIMIT ?`, projectID, stage, stage, e.maxCorrections)
	if err != nil {
		e.logger.Warn("failed to load corrections", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var out []models.Correction
	for rows.Next() {
		var c models.Correction
		if err := rows.Scan(&c.Description, &c.OriginalAccount, &c.CorrectedAccount); err != nil {
			e.logger.Warn("failed to scan correction", zap.Error(err))
			return out
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) persistMetrics(ctx context.Context, m *models.CategorizationMetrics) {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO categorization_metrics
			(cache_hits, cache_misses, llm_tokens_used, elapsed_ms, below_70, below_60, below_50)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.CacheHits, m.CacheMisses, m.LLMTokensUsed, m.ElapsedMS,
		m.Below70Count, m.Below60Count, m.Below50Count)
	if err != nil {
		e.logger.Warn("failed to persist categorization metrics", zap.Error(err))
	}
}
