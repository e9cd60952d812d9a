package expense

import (
	"context"
	"fmt"
)

// ChangeLogPayload is the write_change_log job payload.
type ChangeLogPayload struct {
	ExpenseID string `json:"expense_id"`
	Field     string `json:"field"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	ChangedBy string `json:"changed_by"`
	Status    string `json:"status"`
}

// StatusLogPayload is the write_status_log job payload.
type StatusLogPayload struct {
	ExpenseID string `json:"expense_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
	ChangedBy string `json:"changed_by"`
}

// AffinityPayload is the refresh_affinity job payload.
type AffinityPayload struct {
	VendorID string `json:"vendor_id"`
}

// AutoAuthPayload is the trigger_auto_auth job payload.
type AutoAuthPayload struct {
	ProjectID string `json:"project_id"`
}

// InvalidatePayload is the invalidate_cache_for_vendor job payload.
type InvalidatePayload struct {
	AccountIDs []string `json:"account_ids"`
}

// WriteChangeLog is the write_change_log job handler.
func (s *Store) WriteChangeLog(ctx context.Context, p ChangeLogPayload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expense_change_log (expense_id, field, old_value, new_value, changed_by, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ExpenseID, p.Field, p.OldValue, p.NewValue, p.ChangedBy, p.Status)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

// WriteStatusLog is the write_status_log job handler.
func (s *Store) WriteStatusLog(ctx context.Context, p StatusLogPayload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expense_status_log (expense_id, from_status, to_status, reason, changed_by)
		VALUES (?, ?, ?, ?, ?)`,
		p.ExpenseID, p.OldStatus, p.NewStatus, p.Reason, p.ChangedBy)
	if err != nil {
		return fmt.Errorf("failed to append status log: %w", err)
	}
	return nil
}
