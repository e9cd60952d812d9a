// Package catcache is the content-addressed categorization cache: a
// prior decision for an identical (description, stage) pair is reused
// without touching a model.
package catcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/models"
)

// Fingerprint derives the cache key for a description at a stage.
func Fingerprint(description, stage string) string {
	h := sha256.Sum256([]byte(normalize(description) + "|" + strings.ToLower(strings.TrimSpace(stage))))
	return hex.EncodeToString(h[:])
}

// normalize lowercases, collapses runs of whitespace and trims edge
// punctuation so cosmetic differences hash identically.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, ".,;:!?-_\"'")
}

// Store reads and writes cache rows. Writes are best effort: callers
// log failures and move on.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a cache store. ttl bounds how long an unused entry
// stays alive.
func NewStore(db *sql.DB, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, ttl: ttl}
}

// Lookup returns the entry for a fingerprint, or nil on miss. Entries
// past the TTL are treated as misses.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, stage, account_id, account_name, confidence, reasoning, hit_count, created_at, last_used_at
		FROM categorization_cache
		WHERE fingerprint = ? AND last_used_at > ?`,
		fingerprint, time.Now().UTC().Add(-s.ttl)).
		Scan(&e.ID, &e.Fingerprint, &e.Stage, &e.AccountID, &e.AccountName,
			&e.Confidence, &e.Reasoning, &e.HitCount, &e.CreatedAt, &e.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query categorization cache: %w", err)
	}
	return &e, nil
}

// Insert stores a fresh decision. A unique-constraint race with a
// concurrent writer is success: the other writer's row wins.
func (s *Store) Insert(ctx context.Context, e *models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categorization_cache
			(fingerprint, stage, account_id, account_name, confidence, reasoning, hit_count, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)`,
		e.Fingerprint, e.Stage, e.AccountID, e.AccountName, e.Confidence, e.Reasoning)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil
		}
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Touch bumps hit count and recency after a hit.
func (s *Store) Touch(ctx context.Context, fingerprint string) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE categorization_cache
		SET hit_count = hit_count + 1, last_used_at = CURRENT_TIMESTAMP
		WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		s.logger.Warn("cache touch failed", zap.Error(err))
	}
}

// InvalidateAccounts drops entries that resolved to any of the given
// accounts, used when a vendor's correction history flips its affinity.
func (s *Store) InvalidateAccounts(ctx context.Context, accountIDs []string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(accountIDs)-1) + "?"
	args := make([]interface{}, len(accountIDs))
	for i, id := range accountIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM categorization_cache WHERE account_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache entries: %w", err)
	}
	return nil
}

// Sweep removes entries unused for longer than the TTL. Returns the
// number of rows dropped.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM categorization_cache WHERE last_used_at <= ?`, time.Now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep categorization cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("categorization cache swept", zap.Int64("removed", n))
	}
	return n, nil
}
