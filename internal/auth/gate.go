package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// Gate answers capability questions for acting users. Lookups hit a
// short-lived in-memory cache first; the cache is bounded and evicts
// the oldest half when full.
type Gate struct {
	db     *sql.DB
	logger *zap.Logger

	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]capEntry
}

type capEntry struct {
	allowed  bool
	expires  time.Time
	lastUsed time.Time
}

// NewGate creates a capability gate backed by the role tables.
func NewGate(db *sql.DB, ttl time.Duration, maxSize int, logger *zap.Logger) *Gate {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Gate{
		db:      db,
		logger:  logger,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		cache:   make(map[string]capEntry),
	}
}

// User resolves a user by id.
func (g *Gate) User(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	var isBot int
	err := g.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email, u.role_id, r.name, u.is_bot
		FROM users u JOIN roles r ON r.id = u.role_id
		WHERE u.id = ?`, userID).
		Scan(&u.ID, &u.Name, &u.Email, &u.RoleID, &u.RoleName, &isBot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.IsBot = isBot != 0
	return &u, nil
}

// Capability reports whether the user's role grants (module, action).
func (g *Gate) Capability(ctx context.Context, userID, module, action string) (bool, error) {
	key := userID + "\x00" + module + "\x00" + action
	now := g.now()

	g.mu.Lock()
	if e, ok := g.cache[key]; ok && now.Before(e.expires) {
		e.lastUsed = now
		g.cache[key] = e
		g.mu.Unlock()
		return e.allowed, nil
	}
	g.mu.Unlock()

	var n int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM users u JOIN role_capabilities rc ON rc.role_id = u.role_id
		WHERE u.id = ? AND rc.module = ? AND rc.action = ?`,
		userID, module, action).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query capability: %w", err)
	}
	allowed := n > 0

	g.mu.Lock()
	if len(g.cache) >= g.maxSize {
		g.evictOldestHalfLocked()
	}
	g.cache[key] = capEntry{allowed: allowed, expires: now.Add(g.ttl), lastUsed: now}
	g.mu.Unlock()

	return allowed, nil
}

// Require is Capability that returns an unauthorized error on denial.
func (g *Gate) Require(ctx context.Context, userID, module, action string) error {
	allowed, err := g.Capability(ctx, userID, module, action)
	if err != nil {
		return err
	}
	if !allowed {
		return apperr.Newf(apperr.KindUnauthorized, "user %s may not %s.%s", userID, module, action)
	}
	return nil
}

// evictOldestHalfLocked drops the least recently used half of the cache.
func (g *Gate) evictOldestHalfLocked() {
	type aged struct {
		key      string
		lastUsed time.Time
	}
	entries := make([]aged, 0, len(g.cache))
	for k, e := range g.cache {
		entries = append(entries, aged{k, e.lastUsed})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})
	for _, e := range entries[:len(entries)/2] {
		delete(g.cache, e.key)
	}
	g.logger.Debug("capability cache evicted", zap.Int("remaining", len(g.cache)))
}
