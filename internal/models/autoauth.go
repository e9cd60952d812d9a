package models

import (
	"time"

	"github.com/ngmhub/siteledger/internal/money"
)

// AuthDecision is the outcome class for one expense in a run.
type AuthDecision string

const (
	DecisionAuthorized  AuthDecision = "authorized"
	DecisionDuplicate   AuthDecision = "duplicate"
	DecisionMissingInfo AuthDecision = "missing_info"
	DecisionEscalated   AuthDecision = "escalated"
)

// Rule identifiers are stable names recorded on every decision.
const (
	RuleExactDup          = "R1_EXACT_DUP"
	RuleBillHint          = "R2_BILL_HINT"
	RuleReceiptSufficient = "R3_RECEIPT_SUFFICIENT"
	RuleMissingInfo       = "R4_MISSING_INFO"
	RulePolicyEscalate    = "R5_POLICY_ESCALATE"
	RuleHealth            = "R6_HEALTH"
)

// DecisionRecord is one per-expense entry inside an AuthReport.
type DecisionRecord struct {
	ExpenseID     string       `json:"expense_id"`
	Rule          string       `json:"rule"`
	Decision      AuthDecision `json:"decision"`
	Reason        string       `json:"reason"`
	Amount        money.Amount `json:"amount"`
	MissingFields []string     `json:"missing_fields,omitempty"`
	PairedID      string       `json:"paired_expense_id,omitempty"`
	SkippedRace   bool         `json:"skipped_race,omitempty"`
	DecidedAt     time.Time    `json:"decided_at"`
}

// AuthReport aggregates one engine run for a project.
type AuthReport struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	ProjectID  string           `json:"project_id"`
	Authorized int              `json:"authorized"`
	Duplicates int              `json:"duplicates"`
	Missing    int              `json:"missing_info"`
	Escalated  int              `json:"escalated"`
	Decisions  []DecisionRecord `json:"decisions"`
	CreatedAt  time.Time        `json:"created_at"`
}

// AuthOverride captures a human action on an engine-decided expense.
type AuthOverride struct {
	ID           int64     `json:"id"`
	ExpenseID    string    `json:"expense_id"`
	OriginalRule string    `json:"original_rule"`
	NewStatus    string    `json:"new_status"`
	OverriddenBy string    `json:"overridden_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReconcileOutcome classifies a receipt-vs-expenses mismatch.
type ReconcileOutcome string

const (
	OutcomeMissingItems        ReconcileOutcome = "missing_items"
	OutcomeDuplicatedLine      ReconcileOutcome = "duplicated_line"
	OutcomeTotalWrong          ReconcileOutcome = "total_wrong"
	OutcomeAmountsConsolidated ReconcileOutcome = "amounts_consolidated"
)

// ReconcileSuggestion is a persisted, never auto-applied correction
// proposal for a mismatched intake.
type ReconcileSuggestion struct {
	ID         string            `json:"id"`
	IntakeID   string            `json:"intake_id"`
	Outcome    ReconcileOutcome  `json:"outcome"`
	Difference money.Amount      `json:"difference"`
	Detail     string            `json:"detail"`
	NewItems   []ReceiptLineItem `json:"new_items,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
