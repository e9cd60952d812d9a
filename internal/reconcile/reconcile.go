// Package reconcile handles receipts whose extracted total disagrees
// with the expenses created from them. It re-reads the receipt with a
// prompt biased toward finding missed items and proposes a correction.
// Suggestions are persisted for a human; they are never auto-applied.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/llm"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

const rereadSystemPrompt = `You re-examine a photo of a purchase receipt that was already extracted once,
because the extracted items do not add up to the printed total. Look specifically for
items the first pass may have MISSED: small lines, multi-buy discounts, fees, deposits.
Respond with JSON only:
{"total": "<printed total>", "line_items": [{"description": "<item>", "quantity": <number>,
  "unit_price": "<amount>", "line_total": "<amount>", "confidence": <0-100>}]}
Amounts are plain decimal strings. List EVERY line, even ones you reported before.`

// visionGateway is the slice of the model gateway the reconciler uses.
type visionGateway interface {
	ExtractVision(ctx context.Context, system, prompt string, images [][]byte) (*llm.Result, error)
}

// rasterizer renders the stored file back into page images.
type rasterizer interface {
	RenderPages(ctx context.Context, data []byte, mimeType string) ([][]byte, error)
}

// fileStore reads the original upload bytes.
type fileStore interface {
	Get(key string) ([]byte, error)
}

// Config carries the amount tolerances shared with the OCR pipeline.
// AutoApply is reserved: suggestions are never applied automatically
// today, the flag only changes what gets logged.
type Config struct {
	ToleranceABS money.Amount
	ToleranceRel float64
	AutoApply    bool
}

// Reconciler drives the mismatch correction loop.
type Reconciler struct {
	db      *sql.DB
	files   fileStore
	raster  rasterizer
	gateway visionGateway
	logger  *zap.Logger
	cfg     Config
}

// NewReconciler wires the reconciler.
func NewReconciler(db *sql.DB, files fileStore, raster rasterizer, gateway visionGateway, cfg Config, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, files: files, raster: raster, gateway: gateway, cfg: cfg, logger: logger}
}

// Reconcile compares a linked intake's receipt against the expenses
// created from it, re-reads the file when they disagree and persists
// one suggestion. Returns nil, nil when the sums already agree.
func (r *Reconciler) Reconcile(ctx context.Context, intakeID string) (*models.ReconcileSuggestion, error) {
	intake, rec, err := r.loadIntake(ctx, intakeID)
	if err != nil {
		return nil, err
	}

	created, err := r.createdExpenses(ctx, intake)
	if err != nil {
		return nil, err
	}
	createdSum := money.Zero()
	for _, amount := range created {
		createdSum = createdSum.Add(amount)
	}

	if rec.TotalMatchType != models.TotalMatchMismatch &&
		rec.Total.Within(createdSum, r.cfg.ToleranceABS, r.cfg.ToleranceRel) {
		return nil, nil
	}

	reread, err := r.reread(ctx, intake)
	if err != nil {
		return nil, err
	}

	suggestion := r.classify(rec, reread, created, createdSum)
	suggestion.ID = uuid.NewString()
	suggestion.IntakeID = intake.ID
	suggestion.CreatedAt = time.Now().UTC()

	if err := r.persist(ctx, suggestion); err != nil {
		return nil, err
	}
	r.logger.Info("reconcile suggestion recorded",
		zap.String("intake_id", intake.ID),
		zap.String("outcome", string(suggestion.Outcome)),
		zap.String("difference", suggestion.Difference.String()))
	if r.cfg.AutoApply {
		r.logger.Warn("reconcile.auto_apply is set but automatic application is not implemented; suggestion left for review",
			zap.String("intake_id", intake.ID))
	}
	return suggestion, nil
}

// rereadResult is the biased second-pass schema.
type rereadResult struct {
	Total     string `json:"total"`
	LineItems []struct {
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UnitPrice   string  `json:"unit_price"`
		LineTotal   string  `json:"line_total"`
		Confidence  int     `json:"confidence"`
	} `json:"line_items"`
}

func (r *Reconciler) loadIntake(ctx context.Context, id string) (*models.ReceiptIntake, *models.ReceiptRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, storage_key, mime_type, parsed_json, status, created_expense_ids
		FROM receipt_intake WHERE id = ?`, id)

	var in models.ReceiptIntake
	var createdIDs string
	err := row.Scan(&in.ID, &in.ProjectID, &in.StorageKey, &in.MimeType, &in.ParsedJSON, &in.Status, &createdIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.Newf(apperr.KindNotFound, "intake %s not found", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load intake: %w", err)
	}
	if in.Status != models.IntakeLinked {
		return nil, nil, apperr.Newf(apperr.KindBusinessRule, "intake %s is %s, only linked intakes reconcile", id, in.Status)
	}
	if createdIDs != "" {
		if err := json.Unmarshal([]byte(createdIDs), &in.CreatedExpenseIDs); err != nil {
			return nil, nil, fmt.Errorf("failed to decode created ids: %w", err)
		}
	}
	var rec models.ReceiptRecord
	if err := json.Unmarshal([]byte(in.ParsedJSON), &rec); err != nil {
		return nil, nil, fmt.Errorf("failed to decode parsed receipt: %w", err)
	}
	return &in, &rec, nil
}

func (r *Reconciler) createdExpenses(ctx context.Context, in *models.ReceiptIntake) (map[string]money.Amount, error) {
	out := make(map[string]money.Amount, len(in.CreatedExpenseIDs))
	for _, id := range in.CreatedExpenseIDs {
		var amount money.Amount
		err := r.db.QueryRowContext(ctx,
			`SELECT amount_cents FROM expenses WHERE id = ? AND deleted = 0`, id).Scan(&amount)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load created expense: %w", err)
		}
		out[id] = amount
	}
	return out, nil
}

func (r *Reconciler) reread(ctx context.Context, in *models.ReceiptIntake) (*rereadResult, error) {
	data, err := r.files.Get(in.StorageKey)
	if err != nil {
		return nil, err
	}
	images, err := r.raster.RenderPages(ctx, data, in.MimeType)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "stored receipt could not be rendered", err)
	}
	res, err := r.gateway.ExtractVision(ctx, rereadSystemPrompt,
		"Re-extract the receipt, looking for lines the first pass missed.", images)
	images = nil
	if err != nil {
		return nil, fmt.Errorf("vision re-read failed: %w", err)
	}
	var parsed rereadResult
	if err := json.Unmarshal(res.Value, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamInvalid, "re-read response does not match schema", err)
	}
	return &parsed, nil
}

// classify decides which of the four mismatch shapes this is.
func (r *Reconciler) classify(rec *models.ReceiptRecord, reread *rereadResult, created map[string]money.Amount, createdSum money.Amount) *models.ReconcileSuggestion {
	diff := rec.Total.Sub(createdSum)
	s := &models.ReconcileSuggestion{Difference: diff}

	rereadItems := parseRereadItems(reread)
	rereadSum := money.Zero()
	for _, li := range rereadItems {
		rereadSum = rereadSum.Add(li.LineTotal)
	}

	switch {
	case len(rereadItems) > len(created) && diff.IsPositive():
		// The second pass found more lines than we booked, and we are
		// under the printed total: propose the extra items.
		s.Outcome = models.OutcomeMissingItems
		s.NewItems = missingItems(rereadItems, created, r.cfg)
		s.Detail = fmt.Sprintf("re-read found %d items, only %d expenses were created; %s unaccounted for",
			len(rereadItems), len(created), diff)
	case diff.IsNegative() && hasDuplicateAmount(created):
		s.Outcome = models.OutcomeDuplicatedLine
		s.Detail = fmt.Sprintf("created expenses exceed the receipt total by %s and two share an amount; one line may be booked twice", diff.Abs())
	case len(rereadItems) > 0 && rereadSum.Within(createdSum, r.cfg.ToleranceABS, r.cfg.ToleranceRel) &&
		!rereadSum.Within(rec.Total, r.cfg.ToleranceABS, r.cfg.ToleranceRel):
		// Both passes agree with the expenses; the printed total itself
		// was misread.
		s.Outcome = models.OutcomeTotalWrong
		s.Detail = fmt.Sprintf("both extraction passes sum to %s; the stored total %s looks misread", rereadSum, rec.Total)
	case len(created) < len(rereadItems) && diff.IsZero():
		s.Outcome = models.OutcomeAmountsConsolidated
		s.Detail = fmt.Sprintf("%d receipt lines were booked as %d expenses with a matching total", len(rereadItems), len(created))
	default:
		s.Outcome = models.OutcomeTotalWrong
		s.Detail = fmt.Sprintf("receipt total %s vs booked %s; no correction could be derived, flagging for manual review", rec.Total, createdSum)
	}
	return s
}

func parseRereadItems(reread *rereadResult) []models.ReceiptLineItem {
	var out []models.ReceiptLineItem
	for _, li := range reread.LineItems {
		total, err := money.Parse(li.LineTotal)
		if err != nil {
			continue
		}
		unit, err := money.Parse(li.UnitPrice)
		if err != nil {
			unit = total
		}
		qty := li.Quantity
		if qty == 0 {
			qty = 1
		}
		out = append(out, models.ReceiptLineItem{
			Description: li.Description,
			Quantity:    qty,
			UnitPrice:   unit,
			LineTotal:   total,
			Confidence:  li.Confidence,
		})
	}
	return out
}

// missingItems returns re-read lines whose amount matches no created
// expense.
func missingItems(items []models.ReceiptLineItem, created map[string]money.Amount, cfg Config) []models.ReceiptLineItem {
	used := make(map[string]bool, len(created))
	var missing []models.ReceiptLineItem
	for _, li := range items {
		matched := false
		for id, amount := range created {
			if used[id] {
				continue
			}
			if li.LineTotal.Within(amount, cfg.ToleranceABS, cfg.ToleranceRel) {
				used[id] = true
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, li)
		}
	}
	return missing
}

func hasDuplicateAmount(created map[string]money.Amount) bool {
	seen := map[int64]bool{}
	for _, amount := range created {
		c := amount.Cents()
		if seen[c] {
			return true
		}
		seen[c] = true
	}
	return false
}

func (r *Reconciler) persist(ctx context.Context, s *models.ReconcileSuggestion) error {
	items, err := json.Marshal(s.NewItems)
	if err != nil {
		return fmt.Errorf("failed to encode suggested items: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reconcile_suggestions (id, intake_id, outcome, difference_cents, detail, new_items_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.IntakeID, string(s.Outcome), s.Difference.Cents(), s.Detail, string(items))
	if err != nil {
		return fmt.Errorf("failed to persist suggestion: %w", err)
	}
	return nil
}

// Suggestions lists stored suggestions for an intake, newest first.
func (r *Reconciler) Suggestions(ctx context.Context, intakeID string) ([]models.ReconcileSuggestion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, intake_id, outcome, difference_cents, detail, new_items_json, created_at
		FROM reconcile_suggestions WHERE intake_id = ? ORDER BY created_at DESC, id DESC`, intakeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	var out []models.ReconcileSuggestion
	for rows.Next() {
		var s models.ReconcileSuggestion
		var itemsJSON string
		if err := rows.Scan(&s.ID, &s.IntakeID, &s.Outcome, &s.Difference, &s.Detail, &itemsJSON, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		if itemsJSON != "" && itemsJSON != "[]" && itemsJSON != "null" {
			if err := json.Unmarshal([]byte(itemsJSON), &s.NewItems); err != nil {
				return nil, fmt.Errorf("failed to decode suggested items: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
