package models

import (
	"time"
)

// IntakeStatus is the lifecycle state of an uploaded receipt.
type IntakeStatus string

const (
	IntakePending     IntakeStatus = "pending"
	IntakeProcessing  IntakeStatus = "processing"
	IntakeReady       IntakeStatus = "ready"
	IntakeLinked      IntakeStatus = "linked"
	IntakeDuplicate   IntakeStatus = "duplicate"
	IntakeCheckReview IntakeStatus = "check_review"
	IntakeRejected    IntakeStatus = "rejected"
	IntakeError       IntakeStatus = "error"
)

// IsValid reports whether the status is a known intake state.
func (s IntakeStatus) IsValid() bool {
	switch s {
	case IntakePending, IntakeProcessing, IntakeReady, IntakeLinked,
		IntakeDuplicate, IntakeCheckReview, IntakeRejected, IntakeError:
		return true
	}
	return false
}

// IsTerminal reports whether the intake can never leave this state.
func (s IntakeStatus) IsTerminal() bool {
	switch s {
	case IntakeLinked, IntakeRejected, IntakeDuplicate, IntakeError:
		return true
	}
	return false
}

// ReceiptIntake is a receipt or bill upload in flight toward becoming
// one or more expenses.
type ReceiptIntake struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"project_id"`
	UploadedBy        string       `json:"uploaded_by"`
	StorageKey        string       `json:"storage_key"`
	FileHash          string       `json:"file_hash"` // SHA-256, computed exactly once at upload
	MimeType          string       `json:"mime_type"`
	ExtractedText     string       `json:"extracted_text,omitempty"`
	ParsedJSON        string       `json:"parsed_json,omitempty"` // serialized ReceiptRecord
	Status            IntakeStatus `json:"status"`
	StatusReason      string       `json:"status_reason,omitempty"`
	CreatedExpenseIDs []string     `json:"created_expense_ids"`
	BatchID           string       `json:"batch_id,omitempty"`
	ThumbnailKey      string       `json:"thumbnail_key,omitempty"`
	VaultFileID       string       `json:"vault_file_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ProcessResult summarizes one intake processing pass, including the
// partial-creation accounting the caller surfaces to the user.
type ProcessResult struct {
	IntakeID  string       `json:"intake_id"`
	Status    IntakeStatus `json:"status"`
	Created   int          `json:"created"`
	Skipped   int          `json:"skipped"`
	Reasons   []string     `json:"reasons,omitempty"`
	ExpenseID []string     `json:"expense_ids,omitempty"`
}
