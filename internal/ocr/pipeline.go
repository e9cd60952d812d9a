// Package ocr extracts structured receipt records from uploaded files.
// Machine-generated PDFs take a cheap text fast path; photos and scans
// escalate to the vision model tier.
package ocr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/llm"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

const visionSystemPrompt = `You extract structured data from photos of purchase receipts.
Respond with JSON only:
{"vendor": "<store name>", "vendor_confidence": <0-100>,
 "date": "YYYY-MM-DD", "date_confidence": <0-100>,
 "total": "<amount like 123.45>", "total_confidence": <0-100>,
 "subtotal": "<amount or empty>", "tax": "<amount or empty>",
 "line_items": [{"description": "<item>", "quantity": <number>,
   "unit_price": "<amount>", "line_total": "<amount>", "confidence": <0-100>}]}
Amounts are plain decimal strings with two fraction digits, no currency symbols.
List every purchased item. Do not include totals, tax or payment lines as items.`

const visionUserPrompt = `Extract the receipt. If a field is unreadable use an empty string and low confidence.`

// visionGateway is the slice of the model gateway the pipeline uses.
type visionGateway interface {
	ExtractVision(ctx context.Context, system, prompt string, images [][]byte) (*llm.Result, error)
}

// Config carries pipeline tolerances and limits.
type Config struct {
	ToleranceABS money.Amount
	ToleranceRel float64
}

// Pipeline is the two-mode extraction engine.
type Pipeline struct {
	db         *sql.DB
	rasterizer *Rasterizer
	gateway    visionGateway
	logger     *zap.Logger
	cfg        Config
}

// NewPipeline wires the extraction pipeline.
func NewPipeline(db *sql.DB, rasterizer *Rasterizer, gateway visionGateway, cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{db: db, rasterizer: rasterizer, gateway: gateway, logger: logger, cfg: cfg}
}

// Extract runs the fast path first and escalates to vision when the
// text layer is missing or does not reconcile. The page buffers are
// dropped before any database work.
func (p *Pipeline) Extract(ctx context.Context, data []byte, mimeType, projectID, agentID string) (*models.ReceiptRecord, error) {
	start := time.Now()

	text, err := p.rasterizer.ExtractText(ctx, data, mimeType)
	if err != nil {
		p.logger.Warn("text extraction failed, escalating to vision", zap.Error(err))
	}
	if rec, ok := ParseText(text); ok {
		reconcile(rec, p.cfg.ToleranceABS, p.cfg.ToleranceRel)
		if rec.TotalMatchType != models.TotalMatchMismatch {
			p.recordMetrics(ctx, rec, agentID, projectID, "", len(text), time.Since(start), true)
			return rec, nil
		}
		p.logger.Debug("fast path did not reconcile, escalating to vision",
			zap.String("vendor", rec.Vendor))
	}

	images, err := p.rasterizer.RenderPages(ctx, data, mimeType)
	if err != nil {
		p.recordMetrics(ctx, nil, agentID, projectID, "vision", len(text), time.Since(start), false)
		return nil, apperr.Wrap(apperr.KindValidation, "upload could not be rendered", err)
	}

	res, err := p.gateway.ExtractVision(ctx, visionSystemPrompt, visionUserPrompt, images)
	images = nil // release page buffers before DB work
	if err != nil {
		p.recordMetrics(ctx, nil, agentID, projectID, "vision", len(text), time.Since(start), false)
		return nil, fmt.Errorf("vision extraction failed: %w", err)
	}

	rec, err := parseVisionResponse(res.Value)
	if err != nil {
		p.recordMetrics(ctx, nil, agentID, projectID, "vision", len(text), time.Since(start), false)
		return nil, err
	}
	reconcile(rec, p.cfg.ToleranceABS, p.cfg.ToleranceRel)
	p.recordMetrics(ctx, rec, agentID, projectID, "vision", len(text), time.Since(start), true)
	return rec, nil
}

// visionPayload mirrors the JSON schema the vision prompt demands.
type visionPayload struct {
	Vendor           string `json:"vendor"`
	VendorConfidence int    `json:"vendor_confidence"`
	Date             string `json:"date"`
	DateConfidence   int    `json:"date_confidence"`
	Total            string `json:"total"`
	TotalConfidence  int    `json:"total_confidence"`
	Subtotal         string `json:"subtotal"`
	Tax              string `json:"tax"`
	LineItems        []struct {
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UnitPrice   string  `json:"unit_price"`
		LineTotal   string  `json:"line_total"`
		Confidence  int     `json:"confidence"`
	} `json:"line_items"`
}

func parseVisionResponse(raw json.RawMessage) (*models.ReceiptRecord, error) {
	var payload visionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamInvalid, "vision response does not match schema", err)
	}

	rec := &models.ReceiptRecord{
		Vendor:           payload.Vendor,
		VendorConfidence: payload.VendorConfidence,
		Date:             payload.Date,
		DateConfidence:   payload.DateConfidence,
		TotalConfidence:  payload.TotalConfidence,
		Method:           models.OCRMethodVision,
	}

	var err error
	if rec.Total, err = parseAmount(payload.Total); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamInvalid, "vision total is not a valid amount", err)
	}
	rec.Subtotal, _ = parseAmount(payload.Subtotal)
	rec.Tax, _ = parseAmount(payload.Tax)
	rec.TaxDetected = !rec.Tax.IsZero()

	for _, li := range payload.LineItems {
		unit, err := parseAmount(li.UnitPrice)
		if err != nil {
			continue
		}
		total, err := parseAmount(li.LineTotal)
		if err != nil {
			continue
		}
		qty := li.Quantity
		if qty == 0 {
			qty = 1
		}
		rec.LineItems = append(rec.LineItems, models.ReceiptLineItem{
			Description: li.Description,
			Quantity:    qty,
			UnitPrice:   unit,
			LineTotal:   total,
			Confidence:  li.Confidence,
		})
	}
	return rec, nil
}

func parseAmount(s string) (money.Amount, error) {
	if s == "" {
		return money.Zero(), nil
	}
	return money.Parse(s)
}

func (p *Pipeline) recordMetrics(ctx context.Context, rec *models.ReceiptRecord, agentID, projectID, modelTier string, charCount int, elapsed time.Duration, success bool) {
	method := models.OCRMethodText
	itemCount := 0
	taxDetected := false
	matchType := ""
	if rec != nil {
		method = rec.Method
		itemCount = len(rec.LineItems)
		taxDetected = rec.TaxDetected
		matchType = string(rec.TotalMatchType)
	} else if modelTier != "" {
		method = models.OCRMethodVision
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ocr_metrics
			(agent_id, method, model_tier, wall_time_ms, char_count, item_count, tax_detected, total_match_type, success, project_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, string(method), modelTier, elapsed.Milliseconds(), charCount,
		itemCount, taxDetected, matchType, success, projectID)
	if err != nil {
		p.logger.Warn("failed to persist ocr metrics", zap.Error(err))
	}
}
