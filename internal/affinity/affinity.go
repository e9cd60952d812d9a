// Package affinity maintains the vendor-to-account purchase histogram.
// A vendor that lands on one account for almost every expense can be
// categorized without a model call.
package affinity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/models"
)

// Tracker recomputes and serves vendor/account affinity rows.
type Tracker struct {
	db       *sql.DB
	logger   *zap.Logger
	minCount int
	minRatio float64
}

// NewTracker creates a tracker with the dominance thresholds.
func NewTracker(db *sql.DB, minCount int, minRatio float64, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, logger: logger, minCount: minCount, minRatio: minRatio}
}

// Dominant returns the dominant account for a vendor, or nil when no
// account clears both thresholds.
func (t *Tracker) Dominant(ctx context.Context, vendorID string) (*models.VendorAffinity, error) {
	var a models.VendorAffinity
	err := t.db.QueryRowContext(ctx, `
		SELECT vendor_id, account_id, count, vendor_total, ratio, updated_at
		FROM vendor_account_affinity
		WHERE vendor_id = ? AND count >= ? AND ratio >= ?
		ORDER BY ratio DESC LIMIT 1`,
		vendorID, t.minCount, t.minRatio).
		Scan(&a.VendorID, &a.AccountID, &a.Count, &a.VendorTotal, &a.Ratio, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vendor affinity: %w", err)
	}
	return &a, nil
}

// Refresh fully recomputes the histogram for one vendor from expense
// history. Called after categorized expenses land or corrections move
// them.
func (t *Tracker) Refresh(ctx context.Context, vendorID string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin affinity refresh: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vendor_account_affinity WHERE vendor_id = ?`, vendorID); err != nil {
		return fmt.Errorf("failed to clear affinity rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vendor_account_affinity (vendor_id, account_id, count, vendor_total, ratio, updated_at)
		SELECT
			e.vendor_id,
			e.account_id,
			COUNT(1),
			totals.n,
			CAST(COUNT(1) AS REAL) / totals.n,
			CURRENT_TIMESTAMP
		FROM expenses e
		JOIN (
			SELECT COUNT(1) AS n FROM expenses
			WHERE vendor_id = ? AND account_id != '' AND deleted = 0
		) totals
		WHERE e.vendor_id = ? AND e.account_id != '' AND e.deleted = 0
		GROUP BY e.vendor_id, e.account_id`,
		vendorID, vendorID); err != nil {
		return fmt.Errorf("failed to recompute affinity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit affinity refresh: %w", err)
	}
	t.logger.Debug("vendor affinity refreshed", zap.String("vendor_id", vendorID))
	return nil
}
