package autoauth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
	"github.com/ngmhub/siteledger/internal/testdb"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	db := testdb.New(t)
	e := NewEngine(db, Config{
		FuzzyThreshold:     85,
		ToleranceABS:       money.MustParse("0.05"),
		ToleranceRel:       0.005,
		EscalateAmount:     money.MustParse("5000.00"),
		EscalateAccounts:   []string{"a-owner-draw"},
		EscalateLexicon:    []string{"drill", "saw", "grinder", "nail gun"},
		EscalateQualifiers: []string{"bit", "bits", "blade", "blades", "screws"},
		StalePendingDays:   14,
		BillAuthorize:      true,
		BotID:              "bot:auto-auth",
	}, zap.NewNop())
	return e, db
}

func insertExpense(t *testing.T, db *sql.DB, id, project, vendor, account, date, desc string, cents int64, status string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO expenses (id, project_id, txn_date, amount_cents, vendor_id, account_id, description, status, version_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, project, date, cents, vendor, account, desc, status, "tok-"+id)
	require.NoError(t, err)
}

func expenseStatus(t *testing.T, db *sql.DB, id string) string {
	t.Helper()
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM expenses WHERE id = ?`, id).Scan(&status))
	return status
}

func decisionFor(report *models.AuthReport, expenseID string) *models.DecisionRecord {
	for i := range report.Decisions {
		if report.Decisions[i].ExpenseID == expenseID {
			return &report.Decisions[i]
		}
	}
	return nil
}

func TestExactDuplicateFlagged(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-orig", "p-1", "v-hd", "a-lumber", "2026-08-14", "2x4 Lumber", 4580, "authorized")
	insertExpense(t, db, "e-dup", "p-1", "v-hd", "a-lumber", "2026-08-14", "  2X4  lumber ", 4580, "pending")

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-dup")
	require.NotNil(t, d)
	assert.Equal(t, models.RuleExactDup, d.Rule)
	assert.Equal(t, models.DecisionDuplicate, d.Decision)
	assert.Equal(t, "e-orig", d.PairedID)
	// Duplicates are flagged, never mutated.
	assert.Equal(t, "pending", expenseStatus(t, db, "e-dup"))
}

func TestBillHintAuthorizes(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO vendors (id, name) VALUES ('v-hd', 'Home Depot'), ('v-hd2', 'Home Depot.')`)
	require.NoError(t, err)
	insertExpense(t, db, "e-1", "p-1", "v-hd", "a-lumber", "2026-08-14", "framing order", 120000, "pending")
	// Bill within tolerance ($1200.00 vs $1200.05), two days earlier,
	// fuzzy-matching vendor.
	_, err = db.Exec(`
		INSERT INTO bills (id, project_id, vendor_id, amount_cents, bill_date)
		VALUES ('b-1', 'p-1', 'v-hd2', 120005, '2026-08-12')`)
	require.NoError(t, err)

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-1")
	require.NotNil(t, d)
	assert.Equal(t, models.RuleBillHint, d.Rule)
	assert.Equal(t, models.DecisionAuthorized, d.Decision)
	assert.Equal(t, "authorized", expenseStatus(t, db, "e-1"))

	var authorizedBy string
	require.NoError(t, db.QueryRow(`SELECT authorized_by FROM expenses WHERE id = 'e-1'`).Scan(&authorizedBy))
	assert.Equal(t, "bot:auto-auth", authorizedBy)
}

func TestBillHintDisabledByConfig(t *testing.T) {
	e, db := newTestEngine(t)
	e.cfg.BillAuthorize = false
	ctx := context.Background()

	insertExpense(t, db, "e-1", "p-1", "v-hd", "a-lumber", "2026-08-14", "framing order", 120000, "pending")
	_, err := db.Exec(`
		INSERT INTO bills (id, project_id, vendor_id, amount_cents, bill_date, expense_id)
		VALUES ('b-1', 'p-1', 'v-hd', 120000, '2026-08-14', 'e-1')`)
	require.NoError(t, err)

	_, err = e.Run(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", expenseStatus(t, db, "e-1"))
}

func TestLinkedReceiptAuthorizes(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-1", "p-1", "v-hd", "a-lumber", "2026-08-14", "deck screws", 1447, "pending")
	_, err := db.Exec(`
		INSERT INTO receipt_intake (id, project_id, uploaded_by, storage_key, file_hash, status, created_expense_ids)
		VALUES ('in-1', 'p-1', 'u-pm', 'k', 'h', 'linked', '["e-1"]')`)
	require.NoError(t, err)

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-1")
	require.NotNil(t, d)
	assert.Equal(t, models.RuleReceiptSufficient, d.Rule)
	assert.Equal(t, "in-1", d.PairedID)
	assert.Equal(t, "authorized", expenseStatus(t, db, "e-1"))
	assert.Equal(t, 1, report.Authorized)
}

func TestMissingInfoRecorded(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-1", "p-1", "", "", "2026-08-14", "mystery charge", 999, "pending")

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-1")
	require.NotNil(t, d)
	assert.Equal(t, models.RuleMissingInfo, d.Rule)
	assert.ElementsMatch(t, []string{"vendor", "account"}, d.MissingFields)
	assert.Equal(t, "pending", expenseStatus(t, db, "e-1"))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM auth_pending_info WHERE expense_id = 'e-1' AND resolved = 0`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPolicyEscalation(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-big", "p-1", "v-hd", "a-equip", "2026-08-14", "excavator rental", 750000, "pending")

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-big")
	require.NotNil(t, d)
	assert.Equal(t, models.RulePolicyEscalate, d.Rule)
	assert.Equal(t, models.DecisionEscalated, d.Decision)
	assert.Equal(t, "pending", expenseStatus(t, db, "e-big"))
}

func TestEscalationLexiconOutranksAuthorizingRules(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	// The expense is backed by a linked receipt and has no account,
	// but a flagged description decides before either rule can.
	insertExpense(t, db, "e-tool", "p-1", "v-hd", "", "2026-08-14", "DeWalt 20V drill", 19900, "pending")
	_, err := db.Exec(`
		INSERT INTO receipt_intake (id, project_id, uploaded_by, storage_key, file_hash, status, created_expense_ids)
		VALUES ('in-1', 'p-1', 'u-pm', 'k', 'h', 'linked', '["e-tool"]')`)
	require.NoError(t, err)

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-tool")
	require.NotNil(t, d)
	assert.Equal(t, models.RulePolicyEscalate, d.Rule)
	assert.Equal(t, models.DecisionEscalated, d.Decision)
	assert.Contains(t, d.Reason, "escalation lexicon")
	assert.Equal(t, "pending", expenseStatus(t, db, "e-tool"))
	assert.Zero(t, report.Authorized)
}

func TestEscalationQualifierExemptsConsumables(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-bits", "p-1", "v-hd", "a-lumber", "2026-08-14", "drill bits 10pc", 1899, "pending")
	_, err := db.Exec(`
		INSERT INTO receipt_intake (id, project_id, uploaded_by, storage_key, file_hash, status, created_expense_ids)
		VALUES ('in-1', 'p-1', 'u-pm', 'k', 'h', 'linked', '["e-bits"]')`)
	require.NoError(t, err)

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-bits")
	require.NotNil(t, d)
	assert.Equal(t, models.RuleReceiptSufficient, d.Rule)
	assert.Equal(t, "authorized", expenseStatus(t, db, "e-bits"))
}

func TestEscalationAccountList(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-draw", "p-1", "v-hd", "a-owner-draw", "2026-08-14", "owner materials", 2500, "pending")

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-draw")
	require.NotNil(t, d)
	assert.Equal(t, models.RulePolicyEscalate, d.Rule)
	assert.Equal(t, models.DecisionEscalated, d.Decision)
	assert.Contains(t, d.Reason, "escalation list")
}

func TestHealthSweepEscalatesStalePending(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-old", "p-1", "v-hd", "a-lumber", "2026-07-01", "old order", 1000, "pending")
	_, err := db.Exec(`UPDATE expenses SET created_at = datetime('now', '-30 days') WHERE id = 'e-old'`)
	require.NoError(t, err)

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-old")
	require.NotNil(t, d)
	assert.Equal(t, models.RuleHealth, d.Rule)
	assert.Equal(t, models.DecisionEscalated, d.Decision)
}

func TestFreshCompleteExpenseGetsNoDecision(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-ok", "p-1", "v-hd", "a-lumber", "2026-08-14", "nothing special", 1000, "pending")

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)
	assert.Nil(t, decisionFor(report, "e-ok"))
	assert.Empty(t, report.Decisions)
}

func TestRaceLeavesRowAlone(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-1", "p-1", "v-hd", "a-lumber", "2026-08-14", "deck screws", 1447, "pending")
	_, err := db.Exec(`
		INSERT INTO receipt_intake (id, project_id, uploaded_by, storage_key, file_hash, status, created_expense_ids)
		VALUES ('in-1', 'p-1', 'u-pm', 'k', 'h', 'linked', '["e-1"]')`)
	require.NoError(t, err)

	// A human moves the row between scan and update.
	flipped := false
	e.now = func() time.Time {
		if !flipped {
			flipped = true
			_, err := db.Exec(`UPDATE expenses SET status = 'review' WHERE id = 'e-1'`)
			require.NoError(t, err)
		}
		return time.Now()
	}

	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d := decisionFor(report, "e-1")
	require.NotNil(t, d)
	assert.True(t, d.SkippedRace)
	assert.Zero(t, report.Authorized)
	assert.Equal(t, "review", expenseStatus(t, db, "e-1"))
}

func TestReportRoundTrip(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-1", "p-1", "", "", "2026-08-14", "mystery", 999, "pending")
	report, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	loaded, err := e.Report(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, loaded.RunID)
	require.Len(t, loaded.Decisions, 1)
	assert.Equal(t, models.RuleMissingInfo, loaded.Decisions[0].Rule)
	assert.Equal(t, []string{"vendor", "account"}, loaded.Decisions[0].MissingFields)
}

func TestRecordOverride(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-big", "p-1", "v-hd", "a-equip", "2026-08-14", "excavator rental", 750000, "pending")
	_, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	require.NoError(t, e.RecordOverride(ctx, "e-big", "authorized", "u-pm"))

	var rule, newStatus string
	require.NoError(t, db.QueryRow(`
		SELECT original_rule, new_status FROM auth_overrides WHERE expense_id = 'e-big'`).
		Scan(&rule, &newStatus))
	assert.Equal(t, models.RulePolicyEscalate, rule)
	assert.Equal(t, "authorized", newStatus)

	// An expense the engine never decided on records nothing.
	require.NoError(t, e.RecordOverride(ctx, "e-unknown", "review", "u-pm"))
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM auth_overrides`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestVendorSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  int
		max  int
	}{
		{"Home Depot", "home depot", 100, 100},
		{"Home Depot", "Home Depot Inc", 70, 99},
		{"Home Depot", "Lowe's", 0, 40},
		{"", "Home Depot", 0, 0},
	}
	for _, tt := range tests {
		got := vendorSimilarity(tt.a, tt.b)
		assert.GreaterOrEqual(t, got, tt.min, "%s vs %s", tt.a, tt.b)
		assert.LessOrEqual(t, got, tt.max, "%s vs %s", tt.a, tt.b)
	}
}

func TestLatestDecisionRoundTrip(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	// Missing vendor and account leaves a missing_info decision behind.
	insertExpense(t, db, "e-1", "p-1", "", "", "2026-08-14", "mystery charge", 2500, "pending")
	_, err := e.Run(ctx, "p-1")
	require.NoError(t, err)

	d, err := e.LatestDecision(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.RuleMissingInfo, d.Rule)
	assert.Equal(t, models.DecisionMissingInfo, d.Decision)
	assert.ElementsMatch(t, []string{"vendor", "account"}, d.MissingFields)
	assert.Equal(t, "25.00", d.Amount.String())

	_, err = e.LatestDecision(ctx, "e-untouched")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRequestInfo(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	insertExpense(t, db, "e-1", "p-1", "v-hd", "", "2026-08-14", "framing order", 2500, "pending")

	require.NoError(t, e.RequestInfo(ctx, "e-1", []string{"account", "txn_date"}))

	var fields string
	require.NoError(t, db.QueryRow(
		`SELECT fields FROM auth_pending_info WHERE expense_id = 'e-1'`).Scan(&fields))
	assert.JSONEq(t, `["account", "txn_date"]`, fields)

	err := e.RequestInfo(ctx, "e-1", nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	err = e.RequestInfo(ctx, "e-ghost", []string{"vendor"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
