package models

import "time"

// CacheEntry is one content-addressed categorization decision.
type CacheEntry struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Stage       string    `json:"stage"`
	AccountID   string    `json:"account_id"`
	AccountName string    `json:"account_name"`
	Confidence  int       `json:"confidence"`
	Reasoning   string    `json:"reasoning"`
	HitCount    int       `json:"hit_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// CategorizationRequest is one row to categorize.
type CategorizationRequest struct {
	RowIndex    int    `json:"row_index"`
	Description string `json:"description"`
	Stage       string `json:"stage"`
	VendorID    string `json:"vendor_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
}

// CategorizationResult is the decision for one row.
type CategorizationResult struct {
	RowIndex    int                  `json:"row_index"`
	AccountID   string               `json:"account_id,omitempty"`
	AccountName string               `json:"account_name,omitempty"`
	Confidence  int                  `json:"confidence"`
	Source      CategorizationSource `json:"source,omitempty"`
	Reasoning   string               `json:"reasoning,omitempty"`
	Warning     string               `json:"warning,omitempty"`
}

// CategorizationMetrics aggregates one engine call.
type CategorizationMetrics struct {
	CacheHits     int   `json:"cache_hits"`
	CacheMisses   int   `json:"cache_misses"`
	LLMTokensUsed int   `json:"llm_tokens_used"`
	ElapsedMS     int64 `json:"elapsed_ms"`
	Below70Count  int   `json:"below_70_count"`
	Below60Count  int   `json:"below_60_count"`
	Below50Count  int   `json:"below_50_count"`
}

// VendorAffinity is the histogram row for one (vendor, account) pair.
type VendorAffinity struct {
	VendorID    string    `json:"vendor_id"`
	AccountID   string    `json:"account_id"`
	Count       int       `json:"count"`
	VendorTotal int       `json:"vendor_total"`
	Ratio       float64   `json:"ratio"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Correction is a human fix of a previous categorization, used as
// feedback context in LLM prompts.
type Correction struct {
	Description      string `json:"description"`
	OriginalAccount  string `json:"original_account"`
	CorrectedAccount string `json:"corrected_account"`
}
