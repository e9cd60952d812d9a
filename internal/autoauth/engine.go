// Package autoauth is the rule engine that clears pending expenses:
// it authorizes rows with sufficient evidence, flags duplicates, asks
// for missing fields and escalates anything over policy. Every run
// writes one report with its decision records embedded.
package autoauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/catcache"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

// Config carries the rule thresholds.
type Config struct {
	FuzzyThreshold     int          // vendor-name similarity 0-100
	ToleranceABS       money.Amount // absolute amount tolerance
	ToleranceRel       float64      // relative amount tolerance
	EscalateAmount     money.Amount // single-expense policy ceiling
	EscalateAccounts   []string     // accounts that always escalate
	EscalateLexicon    []string     // description terms that always escalate
	EscalateQualifiers []string     // terms that exempt a lexicon match
	StalePendingDays   int          // age before the maintenance sweep escalates
	BillAuthorize      bool         // whether a bill hint may authorize
	BotID              string       // identity recorded as authorizer
}

// Engine applies the authorization rules to a project's pending rows.
type Engine struct {
	db     *sql.DB
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

// NewEngine creates the engine.
func NewEngine(db *sql.DB, cfg Config, logger *zap.Logger) *Engine {
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 85
	}
	if cfg.StalePendingDays <= 0 {
		cfg.StalePendingDays = 14
	}
	if cfg.BotID == "" {
		cfg.BotID = "bot:auto-auth"
	}
	return &Engine{db: db, logger: logger, cfg: cfg, now: time.Now}
}

// candidate is one pending expense under evaluation.
type candidate struct {
	ID          string
	VendorID    string
	AccountID   string
	Amount      money.Amount
	TxnDate     string
	Description string
	Token       string
	CreatedAt   time.Time
}

// Run evaluates all pending expenses of a project, first matching rule
// wins per row, and persists the aggregated report.
func (e *Engine) Run(ctx context.Context, projectID string) (*models.AuthReport, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, vendor_id, account_id, amount_cents, txn_date, description, version_token, created_at
		FROM expenses WHERE project_id = ? AND status = 'pending' AND deleted = 0
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending expenses: %w", err)
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.ID, &c.VendorID, &c.AccountID, &c.Amount, &c.TxnDate,
			&c.Description, &c.Token, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending expense: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vendorNames, err := e.loadVendorNames(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.AuthReport{
		ID:        uuid.NewString(),
		RunID:     uuid.NewString(),
		ProjectID: projectID,
		CreatedAt: e.now().UTC(),
	}

	for _, c := range candidates {
		rec := e.decide(ctx, projectID, c, vendorNames)
		if rec == nil {
			continue
		}
		rec.DecidedAt = e.now().UTC()

		if rec.Decision == models.DecisionAuthorized && !rec.SkippedRace {
			if won, err := e.authorize(ctx, c); err != nil {
				return nil, err
			} else if !won {
				rec.SkippedRace = true
				rec.Reason += " (row changed concurrently, left alone)"
			}
		}
		if rec.Decision == models.DecisionMissingInfo {
			e.recordPendingInfo(ctx, c.ID, rec.MissingFields)
		}

		switch rec.Decision {
		case models.DecisionAuthorized:
			if !rec.SkippedRace {
				report.Authorized++
			}
		case models.DecisionDuplicate:
			report.Duplicates++
		case models.DecisionMissingInfo:
			report.Missing++
		case models.DecisionEscalated:
			report.Escalated++
		}
		report.Decisions = append(report.Decisions, *rec)
	}

	if err := e.persistReport(ctx, report); err != nil {
		return nil, err
	}
	e.logger.Info("auto-authorization run complete",
		zap.String("project_id", projectID),
		zap.String("run_id", report.RunID),
		zap.Int("authorized", report.Authorized),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("missing_info", report.Missing),
		zap.Int("escalated", report.Escalated))
	return report, nil
}

// decide applies the rules in order and returns the first hit, or nil
// when no rule applies.
func (e *Engine) decide(ctx context.Context, projectID string, c candidate, vendorNames map[string]string) *models.DecisionRecord {
	if pairID := e.exactDuplicate(ctx, projectID, c); pairID != "" {
		return &models.DecisionRecord{
			ExpenseID: c.ID, Rule: models.RuleExactDup, Decision: models.DecisionDuplicate,
			Reason: "identical expense already on the books", Amount: c.Amount, PairedID: pairID,
		}
	}

	// A listed account or a flagged description never authorizes; the
	// escalation screen runs before any rule that could.
	if reason := e.escalationMatch(c); reason != "" {
		return &models.DecisionRecord{
			ExpenseID: c.ID, Rule: models.RulePolicyEscalate, Decision: models.DecisionEscalated,
			Reason: reason, Amount: c.Amount,
		}
	}

	if e.cfg.BillAuthorize {
		if billID := e.billHint(ctx, projectID, c, vendorNames); billID != "" {
			return &models.DecisionRecord{
				ExpenseID: c.ID, Rule: models.RuleBillHint, Decision: models.DecisionAuthorized,
				Reason: fmt.Sprintf("matched bill %s", billID), Amount: c.Amount, PairedID: billID,
			}
		}
	}

	if intakeID := e.linkedReceipt(ctx, projectID, c.ID); intakeID != "" {
		return &models.DecisionRecord{
			ExpenseID: c.ID, Rule: models.RuleReceiptSufficient, Decision: models.DecisionAuthorized,
			Reason: fmt.Sprintf("backed by linked receipt %s", intakeID), Amount: c.Amount, PairedID: intakeID,
		}
	}

	if missing := missingFields(c); len(missing) > 0 {
		return &models.DecisionRecord{
			ExpenseID: c.ID, Rule: models.RuleMissingInfo, Decision: models.DecisionMissingInfo,
			Reason: "required fields are missing: " + strings.Join(missing, ", "),
			Amount: c.Amount, MissingFields: missing,
		}
	}

	if !e.cfg.EscalateAmount.IsZero() && c.Amount.Cmp(e.cfg.EscalateAmount) > 0 {
		return &models.DecisionRecord{
			ExpenseID: c.ID, Rule: models.RulePolicyEscalate, Decision: models.DecisionEscalated,
			Reason: fmt.Sprintf("amount %s exceeds the %s policy ceiling", c.Amount, e.cfg.EscalateAmount),
			Amount: c.Amount,
		}
	}

	staleCutoff := e.now().UTC().AddDate(0, 0, -e.cfg.StalePendingDays)
	if c.CreatedAt.Before(staleCutoff) {
		return &models.DecisionRecord{
			ExpenseID: c.ID, Rule: models.RuleHealth, Decision: models.DecisionEscalated,
			Reason: fmt.Sprintf("pending for more than %d days", e.cfg.StalePendingDays),
			Amount: c.Amount,
		}
	}
	return nil
}

// exactDuplicate finds another live expense with identical vendor,
// amount, date and description fingerprint.
func (e *Engine) exactDuplicate(ctx context.Context, projectID string, c candidate) string {
	fp := catcache.Fingerprint(c.Description, "")
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, description FROM expenses
		WHERE project_id = ? AND vendor_id = ? AND amount_cents = ? AND txn_date = ?
		  AND id != ? AND status IN ('authorized', 'pending') AND deleted = 0`,
		projectID, c.VendorID, c.Amount.Cents(), c.TxnDate, c.ID)
	if err != nil {
		e.logger.Warn("duplicate scan failed", zap.Error(err))
		return ""
	}
	defer rows.Close()
	for rows.Next() {
		var id, desc string
		if err := rows.Scan(&id, &desc); err != nil {
			return ""
		}
		if catcache.Fingerprint(desc, "") == fp {
			return id
		}
	}
	return ""
}

// billHint finds a bill referencing the expense directly or matching
// vendor, amount within tolerance and date within three days.
func (e *Engine) billHint(ctx context.Context, projectID string, c candidate, vendorNames map[string]string) string {
	var billID string
	err := e.db.QueryRowContext(ctx,
		`SELECT id FROM bills WHERE expense_id = ? LIMIT 1`, c.ID).Scan(&billID)
	if err == nil {
		return billID
	}
	if !errors.Is(err, sql.ErrNoRows) {
		e.logger.Warn("bill lookup failed", zap.Error(err))
		return ""
	}

	txnDate, err := time.Parse("2006-01-02", c.TxnDate)
	if err != nil {
		return ""
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, vendor_id, amount_cents, bill_date FROM bills
		WHERE project_id = ? AND expense_id = ''`, projectID)
	if err != nil {
		e.logger.Warn("bill scan failed", zap.Error(err))
		return ""
	}
	defer rows.Close()
	for rows.Next() {
		var id, vendorID, billDate string
		var amount money.Amount
		if err := rows.Scan(&id, &vendorID, &amount, &billDate); err != nil {
			return ""
		}
		if !c.Amount.Within(amount, e.cfg.ToleranceABS, e.cfg.ToleranceRel) {
			continue
		}
		bd, err := time.Parse("2006-01-02", billDate)
		if err != nil {
			continue
		}
		if diff := txnDate.Sub(bd); diff < -3*24*time.Hour || diff > 3*24*time.Hour {
			continue
		}
		if vendorID == c.VendorID {
			return id
		}
		if vendorSimilarity(vendorNames[vendorID], vendorNames[c.VendorID]) >= e.cfg.FuzzyThreshold {
			return id
		}
	}
	return ""
}

// linkedReceipt finds a linked intake whose created expenses include
// this one.
func (e *Engine) linkedReceipt(ctx context.Context, projectID, expenseID string) string {
	var intakeID string
	err := e.db.QueryRowContext(ctx, `
		SELECT id FROM receipt_intake
		WHERE project_id = ? AND status = 'linked' AND created_expense_ids LIKE ?
		LIMIT 1`, projectID, `%"`+expenseID+`"%`).Scan(&intakeID)
	if errors.Is(err, sql.ErrNoRows) {
		return ""
	}
	if err != nil {
		e.logger.Warn("linked receipt lookup failed", zap.Error(err))
		return ""
	}
	return intakeID
}

// escalationMatch checks the candidate against the escalation account
// list and the description lexicon. A lexicon hit with a qualifier term
// (drill bits, saw blades) is a consumable and does not escalate.
func (e *Engine) escalationMatch(c candidate) string {
	for _, acct := range e.cfg.EscalateAccounts {
		if acct != "" && acct == c.AccountID {
			return fmt.Sprintf("account %s is on the escalation list", acct)
		}
	}
	words := descriptionWords(c.Description)
	for _, q := range e.cfg.EscalateQualifiers {
		if containsPhrase(words, strings.ToLower(q)) {
			return ""
		}
	}
	for _, term := range e.cfg.EscalateLexicon {
		if containsPhrase(words, strings.ToLower(term)) {
			return fmt.Sprintf("description matches the escalation lexicon (%s)", term)
		}
	}
	return ""
}

// descriptionWords lowercases and strips edge punctuation into whole
// words.
func descriptionWords(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()/-")
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

// containsPhrase reports whether the word list contains the (possibly
// multi-word) phrase as consecutive whole words.
func containsPhrase(words []string, phrase string) bool {
	parts := strings.Fields(phrase)
	if len(parts) == 0 {
		return false
	}
outer:
	for i := 0; i+len(parts) <= len(words); i++ {
		for j, p := range parts {
			if words[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

func missingFields(c candidate) []string {
	var missing []string
	if c.VendorID == "" {
		missing = append(missing, "vendor")
	}
	if c.AccountID == "" {
		missing = append(missing, "account")
	}
	if !c.Amount.IsPositive() {
		missing = append(missing, "amount")
	}
	if c.TxnDate == "" {
		missing = append(missing, "date")
	}
	return missing
}

// authorize performs the conditional status flip. A zero row count
// means a human got there first.
func (e *Engine) authorize(ctx context.Context, c candidate) (bool, error) {
	newToken := uuid.NewString()
	res, err := e.db.ExecContext(ctx, `
		UPDATE expenses SET status = 'authorized', authorized_by = ?, status_reason = ?,
			updated_by = ?, version_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending' AND deleted = 0`,
		e.cfg.BotID, "auto-authorized", e.cfg.BotID, newToken, c.ID)
	if err != nil {
		return false, fmt.Errorf("failed to authorize expense: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO expense_status_log (expense_id, from_status, to_status, reason, changed_by)
		VALUES (?, 'pending', 'authorized', 'auto-authorized', ?)`, c.ID, e.cfg.BotID)
	if err != nil {
		e.logger.Warn("failed to append status log", zap.String("expense_id", c.ID), zap.Error(err))
	}
	return true, nil
}

func (e *Engine) recordPendingInfo(ctx context.Context, expenseID string, fields []string) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO auth_pending_info (expense_id, fields) VALUES (?, ?)`,
		expenseID, string(encoded))
	if err != nil {
		e.logger.Warn("failed to record pending info", zap.Error(err))
	}
}

func (e *Engine) persistReport(ctx context.Context, report *models.AuthReport) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin report write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_reports (id, run_id, project_id, authorized, duplicates, missing_info, escalated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.RunID, report.ProjectID,
		report.Authorized, report.Duplicates, report.Missing, report.Escalated)
	if err != nil {
		return fmt.Errorf("failed to insert auth report: %w", err)
	}
	for _, d := range report.Decisions {
		fields, err := json.Marshal(d.MissingFields)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO auth_decisions
				(report_id, expense_id, rule, decision, reason, amount_cents, missing_fields, paired_expense_id, skipped_race, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.ID, d.ExpenseID, d.Rule, string(d.Decision), d.Reason,
			d.Amount.Cents(), string(fields), d.PairedID, d.SkippedRace, d.DecidedAt)
		if err != nil {
			return fmt.Errorf("failed to insert decision record: %w", err)
		}
	}
	return tx.Commit()
}

func (e *Engine) loadVendorNames(ctx context.Context) (map[string]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id, name FROM vendors`)
	if err != nil {
		return nil, fmt.Errorf("failed to load vendors: %w", err)
	}
	defer rows.Close()
	names := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// LatestDecision returns the engine's most recent decision for an
// expense, or a not-found error when the engine never decided on it.
func (e *Engine) LatestDecision(ctx context.Context, expenseID string) (*models.DecisionRecord, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT expense_id, rule, decision, reason, amount_cents, missing_fields,
		       paired_expense_id, skipped_race, decided_at
		FROM auth_decisions WHERE expense_id = ?
		ORDER BY id DESC LIMIT 1`, expenseID)

	var d models.DecisionRecord
	var decision, fields string
	var cents int64
	err := row.Scan(&d.ExpenseID, &d.Rule, &decision, &d.Reason, &cents,
		&fields, &d.PairedID, &d.SkippedRace, &d.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "no authorization decision recorded for expense %s", expenseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}
	d.Decision = models.AuthDecision(decision)
	d.Amount = money.FromCents(cents)
	if fields != "" && fields != "null" {
		if err := json.Unmarshal([]byte(fields), &d.MissingFields); err != nil {
			return nil, fmt.Errorf("failed to decode missing fields: %w", err)
		}
	}
	return &d, nil
}

// RequestInfo records a human asking for specific fields on an expense
// the rules could not authorize.
func (e *Engine) RequestInfo(ctx context.Context, expenseID string, fields []string) error {
	if len(fields) == 0 {
		return apperr.New(apperr.KindValidation, "at least one field must be requested")
	}
	var exists int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM expenses WHERE id = ? AND deleted = 0`, expenseID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check expense: %w", err)
	}
	if exists == 0 {
		return apperr.Newf(apperr.KindNotFound, "expense %s not found", expenseID)
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO auth_pending_info (expense_id, fields) VALUES (?, ?)`,
		expenseID, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to record info request: %w", err)
	}
	return nil
}

// RecordOverride captures a human changing the status of an expense
// the engine decided on. These rows feed offline rule accuracy review.
func (e *Engine) RecordOverride(ctx context.Context, expenseID, newStatus, actor string) error {
	var rule string
	err := e.db.QueryRowContext(ctx, `
		SELECT rule FROM auth_decisions WHERE expense_id = ?
		ORDER BY id DESC LIMIT 1`, expenseID).Scan(&rule)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // the engine never touched this expense
	}
	if err != nil {
		return fmt.Errorf("failed to look up engine decision: %w", err)
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO auth_overrides (expense_id, original_rule, new_status, overridden_by)
		VALUES (?, ?, ?, ?)`, expenseID, rule, newStatus, actor)
	if err != nil {
		return fmt.Errorf("failed to record override: %w", err)
	}
	return nil
}

// vendorSimilarity scores two names 0-100, case-insensitive.
func vendorSimilarity(a, b string) int {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	return int(100 * (1 - float64(dist)/float64(longest)))
}
