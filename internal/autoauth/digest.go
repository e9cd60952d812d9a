package autoauth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/models"
)

// chatPoster delivers the digest into the project channel.
type chatPoster interface {
	PostSystemMessage(ctx context.Context, channelKey, body string) error
}

// Digester flushes one consolidated chat message per project covering
// the runs since the last digest. The digest_log primary key on run_id
// makes re-sends idempotent.
type Digester struct {
	engine *Engine
	poster chatPoster
	logger *zap.Logger
}

// NewDigester creates the digester.
func NewDigester(engine *Engine, poster chatPoster, logger *zap.Logger) *Digester {
	return &Digester{engine: engine, poster: poster, logger: logger}
}

// FlushProject sends one digest covering all undelivered runs for a
// project. Returns the number of runs covered.
func (d *Digester) FlushProject(ctx context.Context, projectID string) (int, error) {
	rows, err := d.engine.db.QueryContext(ctx, `
		SELECT r.run_id, r.authorized, r.duplicates, r.missing_info, r.escalated
		FROM auth_reports r
		LEFT JOIN digest_log dl ON dl.run_id = r.run_id
		WHERE r.project_id = ? AND dl.run_id IS NULL
		ORDER BY r.created_at`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to load undigested runs: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	var authorized, duplicates, missing, escalated int
	for rows.Next() {
		var runID string
		var a, du, m, es int
		if err := rows.Scan(&runID, &a, &du, &m, &es); err != nil {
			return 0, fmt.Errorf("failed to scan run: %w", err)
		}
		runIDs = append(runIDs, runID)
		authorized += a
		duplicates += du
		missing += m
		escalated += es
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(runIDs) == 0 {
		return 0, nil
	}

	// Claim the runs first; the PK rejects a second concurrent flush.
	claimed := 0
	for _, runID := range runIDs {
		res, err := d.engine.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO digest_log (run_id, project_id) VALUES (?, ?)`,
			runID, projectID)
		if err != nil {
			return 0, fmt.Errorf("failed to claim digest run: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			claimed++
		}
	}
	if claimed == 0 {
		return 0, nil
	}

	body := composeDigest(authorized, duplicates, missing, escalated, len(runIDs))
	if err := d.poster.PostSystemMessage(ctx, "project:"+projectID, body); err != nil {
		// The runs stay claimed; the digest is best-effort delivery.
		d.logger.Warn("digest delivery failed",
			zap.String("project_id", projectID), zap.Error(err))
	}
	return claimed, nil
}

// FlushAll digests every project with undelivered runs.
func (d *Digester) FlushAll(ctx context.Context) error {
	rows, err := d.engine.db.QueryContext(ctx, `
		SELECT DISTINCT r.project_id FROM auth_reports r
		LEFT JOIN digest_log dl ON dl.run_id = r.run_id
		WHERE dl.run_id IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to find projects to digest: %w", err)
	}
	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range projects {
		if _, err := d.FlushProject(ctx, p); err != nil {
			d.logger.Error("digest flush failed",
				zap.String("project_id", p), zap.Error(err))
		}
	}
	return nil
}

func composeDigest(authorized, duplicates, missing, escalated, runs int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Expense authorization digest (%d run", runs)
	if runs != 1 {
		b.WriteString("s")
	}
	b.WriteString("):\n")
	fmt.Fprintf(&b, "• %d authorized\n", authorized)
	if duplicates > 0 {
		fmt.Fprintf(&b, "• %d flagged as duplicates\n", duplicates)
	}
	if missing > 0 {
		fmt.Fprintf(&b, "• %d waiting on missing details\n", missing)
	}
	if escalated > 0 {
		fmt.Fprintf(&b, "• %d escalated for review\n", escalated)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Report loads one stored report with its decision records.
func (e *Engine) Report(ctx context.Context, reportID string) (*models.AuthReport, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, run_id, project_id, authorized, duplicates, missing_info, escalated, created_at
		FROM auth_reports WHERE id = ?`, reportID)

	var r models.AuthReport
	if err := row.Scan(&r.ID, &r.RunID, &r.ProjectID, &r.Authorized, &r.Duplicates,
		&r.Missing, &r.Escalated, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to load auth report: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT expense_id, rule, decision, reason, amount_cents, missing_fields, paired_expense_id, skipped_race, decided_at
		FROM auth_decisions WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.DecisionRecord
		var fields string
		var skipped int
		if err := rows.Scan(&d.ExpenseID, &d.Rule, &d.Decision, &d.Reason, &d.Amount,
			&fields, &d.PairedID, &skipped, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.SkippedRace = skipped != 0
		if fields != "" && fields != "[]" {
			if err := json.Unmarshal([]byte(fields), &d.MissingFields); err != nil {
				return nil, fmt.Errorf("failed to decode missing fields: %w", err)
			}
		}
		r.Decisions = append(r.Decisions, d)
	}
	return &r, rows.Err()
}
