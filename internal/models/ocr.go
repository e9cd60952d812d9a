package models

import (
	"time"

	"github.com/ngmhub/siteledger/internal/money"
)

// TotalMatchType records how the extracted line items reconciled with
// the printed totals.
type TotalMatchType string

const (
	TotalMatchTotal    TotalMatchType = "total"
	TotalMatchSubtotal TotalMatchType = "subtotal"
	TotalMatchMismatch TotalMatchType = "mismatch"
)

// OCRMethod distinguishes the text fast path from the vision heavy path.
type OCRMethod string

const (
	OCRMethodText   OCRMethod = "text"
	OCRMethodVision OCRMethod = "vision"
)

// ReceiptLineItem is one extracted purchase line with per-field
// confidence (0-100).
type ReceiptLineItem struct {
	Description   string               `json:"description"`
	Quantity      float64              `json:"quantity"`
	UnitPrice     money.Amount         `json:"unit_price"`
	LineTotal     money.Amount         `json:"line_total"`
	Confidence    int                  `json:"confidence"`
	AccountID     string               `json:"account_id,omitempty"`
	AccountName   string               `json:"account_name,omitempty"`
	CatConfidence int                  `json:"categorization_confidence,omitempty"`
	CatSource     CategorizationSource `json:"categorization_source,omitempty"`
	Warning       string               `json:"warning,omitempty"`
}

// ReceiptRecord is the normalized output of the OCR pipeline.
type ReceiptRecord struct {
	Vendor           string            `json:"vendor"`
	VendorConfidence int               `json:"vendor_confidence"`
	Date             string            `json:"date"` // ISO-8601 date
	DateConfidence   int               `json:"date_confidence"`
	Total            money.Amount      `json:"total"`
	TotalConfidence  int               `json:"total_confidence"`
	Subtotal         money.Amount      `json:"subtotal"`
	Tax              money.Amount      `json:"tax"`
	TaxDetected      bool              `json:"tax_detected"`
	LineItems        []ReceiptLineItem `json:"line_items"`
	TotalMatchType   TotalMatchType    `json:"total_match_type"`
	Method           OCRMethod         `json:"method"`
}

// OCRMetricsRow is persisted once per pipeline call.
type OCRMetricsRow struct {
	ID             int64          `json:"id"`
	AgentID        string         `json:"agent_id"`
	Method         OCRMethod      `json:"method"`
	ModelTier      string         `json:"model_tier"`
	WallTimeMS     int64          `json:"wall_time_ms"`
	CharCount      int            `json:"char_count"`
	ItemCount      int            `json:"item_count"`
	TaxDetected    bool           `json:"tax_detected"`
	TotalMatchType TotalMatchType `json:"total_match_type"`
	Success        bool           `json:"success"`
	ProjectID      string         `json:"project_id"`
	CreatedAt      time.Time      `json:"created_at"`
}
