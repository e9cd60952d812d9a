// Package expense owns the canonical ledger rows, their status machine
// and the append-only audit trail.
package expense

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
	"github.com/ngmhub/siteledger/pkg/utils"
)

// accessGate answers capability and identity questions.
type accessGate interface {
	Require(ctx context.Context, userID, module, action string) error
	User(ctx context.Context, userID string) (*models.User, error)
}

// jobScheduler queues post-commit work (audit rows, affinity refresh,
// auto-auth triggers) without blocking the write path.
type jobScheduler interface {
	Enqueue(name string, payload interface{})
}

// Store is the ledger repository plus its write rules.
type Store struct {
	db     *sql.DB
	gate   accessGate
	jobs   jobScheduler
	logger *zap.Logger
}

// NewStore creates the expense store.
func NewStore(db *sql.DB, gate accessGate, jobs jobScheduler, logger *zap.Logger) *Store {
	return &Store{db: db, gate: gate, jobs: jobs, logger: logger}
}

const expenseColumns = `id, project_id, txn_date, amount_cents, vendor_id, account_id, description,
	payment_method_id, bill_id, qbo_txn_id, status, authorized_by, status_reason, updated_by,
	confidence, source, version_token, deleted, created_at, updated_at`

func scanExpense(row interface{ Scan(...interface{}) error }) (*models.Expense, error) {
	var e models.Expense
	var deleted int
	var confidence sql.NullInt64
	err := row.Scan(&e.ID, &e.ProjectID, &e.TxnDate, &e.Amount, &e.VendorID, &e.AccountID,
		&e.Description, &e.PaymentMethodID, &e.BillID, &e.QBOTxnID, &e.Status, &e.AuthorizedBy,
		&e.StatusReason, &e.UpdatedBy, &confidence, &e.Source, &e.VersionToken, &deleted,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Deleted = deleted != 0
	if confidence.Valid {
		c := int(confidence.Int64)
		e.Confidence = &c
	}
	return &e, nil
}

// Get loads one expense by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Expense, error) {
	e, err := scanExpense(s.db.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE id = ? AND deleted = 0`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "expense %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expense: %w", err)
	}
	return e, nil
}

// Create inserts a new pending expense with a fresh version token.
func (s *Store) Create(ctx context.Context, actor string, e *models.Expense) error {
	if err := s.gate.Require(ctx, actor, "expenses", "write"); err != nil {
		return err
	}
	if err := validateExpense(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.ExpenseStatusPending
	}
	e.VersionToken = uuid.NewString()
	e.UpdatedBy = actor

	confidence := sql.NullInt64{}
	if e.Confidence != nil {
		confidence = sql.NullInt64{Int64: int64(*e.Confidence), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses
			(id, project_id, txn_date, amount_cents, vendor_id, account_id, description,
			 payment_method_id, bill_id, qbo_txn_id, status, status_reason, updated_by, confidence, source, version_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.TxnDate, e.Amount, e.VendorID, e.AccountID, e.Description,
		e.PaymentMethodID, e.BillID, e.QBOTxnID, e.Status, e.StatusReason, actor, confidence, e.Source, e.VersionToken)
	if err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}

	s.jobs.Enqueue("write_change_log", ChangeLogPayload{
		ExpenseID: e.ID, Field: "created", NewValue: e.Amount.String(),
		ChangedBy: actor, Status: string(e.Status),
	})
	if e.VendorID != "" && e.AccountID != "" {
		s.jobs.Enqueue("refresh_affinity", AffinityPayload{VendorID: e.VendorID})
	}
	s.jobs.Enqueue("trigger_auto_auth", AutoAuthPayload{ProjectID: e.ProjectID})
	return nil
}

// Update applies a patch under optimistic concurrency. The version
// token must match the stored row; every successful write swaps it.
// A bookkeeper editing substantive fields of an authorized expense
// pulls it back to review.
func (s *Store) Update(ctx context.Context, actor, id string, patch models.ExpensePatch) (*models.Expense, error) {
	if err := s.gate.Require(ctx, actor, "expenses", "write"); err != nil {
		return nil, err
	}
	if patch.VersionToken == "" {
		return nil, apperr.New(apperr.KindValidation, "version_token is required")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.VersionToken != patch.VersionToken {
		return nil, apperr.New(apperr.KindConflict, "expense was modified concurrently, reload and retry")
	}

	changes := diffPatch(current, patch)
	if len(changes) == 0 {
		return current, nil
	}

	updated := applyPatch(*current, patch)
	updated.VersionToken = uuid.NewString()
	updated.UpdatedBy = actor

	// Bookkeeper edits of an authorized row reopen it for review.
	autoReview := false
	if current.Status == models.ExpenseStatusAuthorized {
		user, err := s.gate.User(ctx, actor)
		if err != nil {
			return nil, err
		}
		if user.RoleName == "bookkeeper" {
			autoReview = true
			updated.Status = models.ExpenseStatusReview
			updated.StatusReason = "edited after authorization"
			updated.AuthorizedBy = ""
		}
	}

	confidence := sql.NullInt64{}
	if updated.Confidence != nil {
		confidence = sql.NullInt64{Int64: int64(*updated.Confidence), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE expenses SET
			txn_date = ?, amount_cents = ?, vendor_id = ?, account_id = ?, description = ?,
			payment_method_id = ?, bill_id = ?, status = ?, authorized_by = ?, status_reason = ?,
			updated_by = ?, confidence = ?, source = ?, version_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version_token = ? AND deleted = 0`,
		updated.TxnDate, updated.Amount, updated.VendorID, updated.AccountID, updated.Description,
		updated.PaymentMethodID, updated.BillID, updated.Status, updated.AuthorizedBy,
		updated.StatusReason, actor, confidence, updated.Source, updated.VersionToken,
		id, patch.VersionToken)
	if err != nil {
		return nil, fmt.Errorf("failed to update expense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.KindConflict, "expense was modified concurrently, reload and retry")
	}

	for _, c := range changes {
		c.ExpenseID = id
		c.ChangedBy = actor
		c.Status = string(current.Status)
		s.jobs.Enqueue("write_change_log", c)
	}
	if autoReview {
		s.jobs.Enqueue("write_status_log", StatusLogPayload{
			ExpenseID: id,
			OldStatus: string(models.ExpenseStatusAuthorized),
			NewStatus: string(models.ExpenseStatusReview),
			Reason:    "edited after authorization",
			ChangedBy: actor,
		})
	}
	// A manual account correction feeds the learning loops.
	if patch.AccountID != nil && *patch.AccountID != current.AccountID {
		if current.VendorID != "" {
			s.jobs.Enqueue("refresh_affinity", AffinityPayload{VendorID: current.VendorID})
			s.jobs.Enqueue("invalidate_cache_for_vendor", InvalidatePayload{
				AccountIDs: []string{current.AccountID, *patch.AccountID},
			})
		}
	}
	return &updated, nil
}

// Transition moves an expense between statuses under CAS.
func (s *Store) Transition(ctx context.Context, actor, id string, to models.ExpenseStatus, reason, versionToken string) (*models.Expense, error) {
	if err := s.gate.Require(ctx, actor, "expenses", "authorize"); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if versionToken != "" && current.VersionToken != versionToken {
		return nil, apperr.New(apperr.KindConflict, "expense was modified concurrently, reload and retry")
	}
	if err := checkTransition(current.Status, to); err != nil {
		return nil, err
	}
	if to == models.ExpenseStatusReview && strings.TrimSpace(reason) == "" {
		return nil, apperr.New(apperr.KindValidation, "a reason is required to move an expense to review")
	}
	if current.Status == to {
		return current, nil
	}

	authorizedBy := ""
	if to == models.ExpenseStatusAuthorized {
		authorizedBy = actor
	}
	newToken := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		UPDATE expenses SET status = ?, authorized_by = ?, status_reason = ?, updated_by = ?,
			version_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version_token = ? AND deleted = 0`,
		to, authorizedBy, reason, actor, newToken, id, current.VersionToken)
	if err != nil {
		return nil, fmt.Errorf("failed to transition expense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.KindConflict, "expense was modified concurrently, reload and retry")
	}

	s.jobs.Enqueue("write_status_log", StatusLogPayload{
		ExpenseID: id,
		OldStatus: string(current.Status),
		NewStatus: string(to),
		Reason:    reason,
		ChangedBy: actor,
	})

	updated := *current
	updated.Status = to
	updated.AuthorizedBy = authorizedBy
	updated.StatusReason = reason
	updated.UpdatedBy = actor
	updated.VersionToken = newToken
	return &updated, nil
}

// SoftDelete marks an expense deleted; the row stays for the audit
// trail, parked in review with the deletion reason and the authorizer
// cleared.
func (s *Store) SoftDelete(ctx context.Context, actor, id, reason, versionToken string) error {
	if err := s.gate.Require(ctx, actor, "expenses", "write"); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return apperr.New(apperr.KindValidation, "a reason is required to delete an expense")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if versionToken != "" && current.VersionToken != versionToken {
		return apperr.New(apperr.KindConflict, "expense was modified concurrently, reload and retry")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE expenses SET deleted = 1, status = ?, authorized_by = '', status_reason = ?,
			updated_by = ?, version_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version_token = ? AND deleted = 0`,
		models.ExpenseStatusReview, reason, actor, uuid.NewString(), id, current.VersionToken)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindConflict, "expense was modified concurrently, reload and retry")
	}
	s.jobs.Enqueue("write_change_log", ChangeLogPayload{
		ExpenseID: id, Field: "deleted", OldValue: "false", NewValue: "true",
		ChangedBy: actor, Status: string(current.Status),
	})
	if current.Status != models.ExpenseStatusReview {
		s.jobs.Enqueue("write_status_log", StatusLogPayload{
			ExpenseID: id,
			OldStatus: string(current.Status),
			NewStatus: string(models.ExpenseStatusReview),
			Reason:    reason,
			ChangedBy: actor,
		})
	}
	return nil
}

// List returns one page of expenses matching the filter.
func (s *Store) List(ctx context.Context, filter models.ExpenseFilter, page, size int) (*models.ExpensePage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 500 {
		size = 50
	}
	where, args := buildFilter(filter)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM expenses `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count expenses: %w", err)
	}

	query := `SELECT ` + expenseColumns + ` FROM expenses ` + where +
		` ORDER BY txn_date DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	out := &models.ExpensePage{Page: page, Size: size, Total: total}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		out.Items = append(out.Items, e)
	}
	return out, rows.Err()
}

func buildFilter(f models.ExpenseFilter) (string, []interface{}) {
	clauses := []string{"deleted = 0"}
	var args []interface{}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.VendorID != "" {
		clauses = append(clauses, "vendor_id = ?")
		args = append(args, f.VendorID)
	}
	if f.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "txn_date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "txn_date <= ?")
		args = append(args, f.DateTo)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func validateExpense(e *models.Expense) error {
	if e.ProjectID == "" {
		return apperr.New(apperr.KindValidation, "project_id is required")
	}
	if err := utils.ValidateDate(e.TxnDate); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid txn_date", err)
	}
	if !e.Amount.IsPositive() {
		return apperr.New(apperr.KindValidation, "amount must be positive")
	}
	if e.Status != "" && !e.Status.IsValid() {
		return apperr.Newf(apperr.KindValidation, "unknown expense status %q", e.Status)
	}
	return nil
}

// diffPatch lists the field-level changes a patch would make.
func diffPatch(current *models.Expense, patch models.ExpensePatch) []ChangeLogPayload {
	var changes []ChangeLogPayload
	add := func(field, oldV, newV string) {
		if oldV != newV {
			changes = append(changes, ChangeLogPayload{Field: field, OldValue: oldV, NewValue: newV})
		}
	}
	if patch.TxnDate != nil {
		add("txn_date", current.TxnDate, *patch.TxnDate)
	}
	if patch.Amount != nil {
		add("amount", current.Amount.String(), patch.Amount.String())
	}
	if patch.VendorID != nil {
		add("vendor_id", current.VendorID, *patch.VendorID)
	}
	if patch.AccountID != nil {
		add("account_id", current.AccountID, *patch.AccountID)
	}
	if patch.Description != nil {
		add("description", current.Description, *patch.Description)
	}
	if patch.PaymentMethodID != nil {
		add("payment_method_id", current.PaymentMethodID, *patch.PaymentMethodID)
	}
	if patch.BillID != nil {
		add("bill_id", current.BillID, *patch.BillID)
	}
	return changes
}

func applyPatch(e models.Expense, patch models.ExpensePatch) models.Expense {
	if patch.TxnDate != nil {
		e.TxnDate = *patch.TxnDate
	}
	if patch.Amount != nil {
		e.Amount = *patch.Amount
	}
	if patch.VendorID != nil {
		e.VendorID = *patch.VendorID
	}
	if patch.AccountID != nil {
		e.AccountID = *patch.AccountID
		// Human corrections are the most trusted signal.
		e.Source = models.SourceManual
		hundred := 100
		e.Confidence = &hundred
	}
	if patch.Description != nil {
		e.Description = *patch.Description
	}
	if patch.PaymentMethodID != nil {
		e.PaymentMethodID = *patch.PaymentMethodID
	}
	if patch.BillID != nil {
		e.BillID = *patch.BillID
	}
	return e
}

// BatchCreate inserts a set of expenses atomically. Replays with the
// same idempotency key return the original ids without inserting.
func (s *Store) BatchCreate(ctx context.Context, actor, idempotencyKey string, expenses []*models.Expense) ([]string, error) {
	if err := s.gate.Require(ctx, actor, "expenses", "write"); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, apperr.New(apperr.KindValidation, "idempotency key is required")
	}
	if len(expenses) == 0 {
		return nil, apperr.New(apperr.KindValidation, "batch is empty")
	}
	for _, e := range expenses {
		if err := validateExpense(e); err != nil {
			return nil, err
		}
	}

	var prior string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_ids FROM expense_batches WHERE idempotency_key = ?`, idempotencyKey).Scan(&prior)
	if err == nil {
		var ids []string
		if err := json.Unmarshal([]byte(prior), &ids); err != nil {
			return nil, fmt.Errorf("failed to decode batch replay: %w", err)
		}
		return ids, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check batch idempotency: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(expenses))
	for _, e := range expenses {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Status == "" {
			e.Status = models.ExpenseStatusPending
		}
		e.VersionToken = uuid.NewString()
		confidence := sql.NullInt64{}
		if e.Confidence != nil {
			confidence = sql.NullInt64{Int64: int64(*e.Confidence), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO expenses
				(id, project_id, txn_date, amount_cents, vendor_id, account_id, description,
				 payment_method_id, bill_id, qbo_txn_id, status, status_reason, updated_by, confidence, source, version_token)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ProjectID, e.TxnDate, e.Amount, e.VendorID, e.AccountID, e.Description,
			e.PaymentMethodID, e.BillID, e.QBOTxnID, e.Status, e.StatusReason, actor, confidence, e.Source, e.VersionToken); err != nil {
			return nil, fmt.Errorf("failed to insert batch expense: %w", err)
		}
		ids = append(ids, e.ID)
	}

	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO expense_batches (idempotency_key, created_ids) VALUES (?, ?)`,
		idempotencyKey, string(encoded)); err != nil {
		return nil, fmt.Errorf("failed to record batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	for _, e := range expenses {
		s.jobs.Enqueue("write_change_log", ChangeLogPayload{
			ExpenseID: e.ID, Field: "created", NewValue: e.Amount.String(),
			ChangedBy: actor, Status: string(e.Status),
		})
	}
	if len(expenses) > 0 {
		s.jobs.Enqueue("trigger_auto_auth", AutoAuthPayload{ProjectID: expenses[0].ProjectID})
	}
	return ids, nil
}

// Summary aggregates matching expenses into buckets. The scan pages
// through the full result set so totals never truncate.
func (s *Store) Summary(ctx context.Context, filter models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error) {
	var keyColumn string
	switch groupBy {
	case "project":
		keyColumn = "project_id"
	case "status":
		keyColumn = "status"
	case "account":
		keyColumn = "account_id"
	case "vendor":
		keyColumn = "vendor_id"
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown summary grouping %q", groupBy)
	}
	where, args := buildFilter(filter)

	const pageSize = 1000
	totals := map[string]*models.SummaryRow{}
	var order []string
	for offset := 0; ; offset += pageSize {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+keyColumn+`, amount_cents FROM expenses `+where+` ORDER BY id LIMIT ? OFFSET ?`,
			append(append([]interface{}{}, args...), pageSize, offset)...)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary page: %w", err)
		}
		n := 0
		for rows.Next() {
			var key string
			var amount money.Amount
			if err := rows.Scan(&key, &amount); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan summary row: %w", err)
			}
			row, ok := totals[key]
			if !ok {
				row = &models.SummaryRow{Key: key}
				totals[key] = row
				order = append(order, key)
			}
			row.Count++
			row.Total = row.Total.Add(amount)
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate summary page: %w", err)
		}
		if n < pageSize {
			break
		}
	}

	out := make([]models.SummaryRow, 0, len(order))
	for _, key := range order {
		out = append(out, *totals[key])
	}
	return out, nil
}

// ChangeLog returns the audit trail for one expense, newest first.
func (s *Store) ChangeLog(ctx context.Context, id string) ([]models.ChangeLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expense_id, field, old_value, new_value, changed_by, status, created_at
		FROM expense_change_log WHERE expense_id = ? ORDER BY created_at DESC, id DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load change log: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeLogRow
	for rows.Next() {
		var r models.ChangeLogRow
		if err := rows.Scan(&r.ID, &r.ExpenseID, &r.Field, &r.OldValue, &r.NewValue,
			&r.ChangedBy, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatusLog returns the status transition trail for one expense.
func (s *Store) StatusLog(ctx context.Context, id string) ([]models.StatusLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expense_id, from_status, to_status, reason, changed_by, created_at
		FROM expense_status_log WHERE expense_id = ? ORDER BY created_at DESC, id DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load status log: %w", err)
	}
	defer rows.Close()

	var out []models.StatusLogRow
	for rows.Next() {
		var r models.StatusLogRow
		if err := rows.Scan(&r.ID, &r.ExpenseID, &r.OldStatus, &r.NewStatus,
			&r.Reason, &r.ChangedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
