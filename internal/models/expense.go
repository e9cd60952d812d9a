package models

import (
	"time"

	"github.com/ngmhub/siteledger/internal/money"
)

// ExpenseStatus is the authorization state of a ledger entry.
type ExpenseStatus string

const (
	ExpenseStatusPending    ExpenseStatus = "pending"
	ExpenseStatusAuthorized ExpenseStatus = "authorized"
	ExpenseStatusReview     ExpenseStatus = "review"
)

// IsValid reports whether the status is one of the known states.
func (s ExpenseStatus) IsValid() bool {
	switch s {
	case ExpenseStatusPending, ExpenseStatusAuthorized, ExpenseStatusReview:
		return true
	}
	return false
}

// CategorizationSource identifies which tier of the cascade assigned the
// account on an expense.
type CategorizationSource string

const (
	SourceCache    CategorizationSource = "cache"
	SourceAffinity CategorizationSource = "affinity"
	SourceML       CategorizationSource = "ml"
	SourceLLMSmall CategorizationSource = "llm_small"
	SourceLLMLarge CategorizationSource = "llm_large"
	SourceManual   CategorizationSource = "manual"
)

// Expense is the canonical ledger entry.
type Expense struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"project_id"`
	TxnDate         string               `json:"txn_date"` // ISO-8601 date, the single canonical date field
	Amount          money.Amount         `json:"amount"`
	VendorID        string               `json:"vendor_id,omitempty"`
	AccountID       string               `json:"account_id,omitempty"`
	Description     string               `json:"description"`
	PaymentMethodID string               `json:"payment_method_id,omitempty"`
	BillID          string               `json:"bill_id,omitempty"`
	QBOTxnID        string               `json:"qbo_txn_id,omitempty"` // upstream accounting reference
	Status          ExpenseStatus        `json:"status"`
	AuthorizedBy    string               `json:"authorized_by,omitempty"` // set only while status=authorized
	StatusReason    string               `json:"status_reason,omitempty"`
	UpdatedBy       string               `json:"updated_by"`
	Confidence      *int                 `json:"categorization_confidence,omitempty"` // 0-100
	Source          CategorizationSource `json:"categorization_source,omitempty"`
	VersionToken    string               `json:"version_token"`
	Deleted         bool                 `json:"deleted,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// ExpensePatch carries the updatable fields of an expense. Nil pointers
// mean "leave unchanged". Every patch must echo the version token.
type ExpensePatch struct {
	TxnDate         *string       `json:"txn_date,omitempty"`
	Amount          *money.Amount `json:"amount,omitempty"`
	VendorID        *string       `json:"vendor_id,omitempty"`
	AccountID       *string       `json:"account_id,omitempty"`
	Description     *string       `json:"description,omitempty"`
	PaymentMethodID *string       `json:"payment_method_id,omitempty"`
	BillID          *string       `json:"bill_id,omitempty"`
	VersionToken    string        `json:"version_token"`
}

// ExpenseFilter narrows list and summary queries.
type ExpenseFilter struct {
	ProjectID string
	DateFrom  string // inclusive, ISO-8601 date
	DateTo    string // inclusive
	Status    ExpenseStatus
	VendorID  string
	AccountID string
}

// ChangeLogRow is one append-only field-level change event.
type ChangeLogRow struct {
	ID        int64     `json:"id"`
	ExpenseID string    `json:"expense_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
	Status    string    `json:"status"` // expense status at the time of the change
	CreatedAt time.Time `json:"created_at"`
}

// StatusLogRow is one append-only status transition event.
type StatusLogRow struct {
	ID        int64     `json:"id"`
	ExpenseID string    `json:"expense_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Reason    string    `json:"reason"`
	ChangedBy string    `json:"changed_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpensePage is one page of a paginated listing.
type ExpensePage struct {
	Items []*Expense `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int        `json:"total"`
}

// SummaryRow is one aggregate bucket from the summary endpoint.
type SummaryRow struct {
	Key   string       `json:"key"`
	Count int          `json:"count"`
	Total money.Amount `json:"total"`
}
