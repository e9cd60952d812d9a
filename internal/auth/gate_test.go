package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/testdb"
)

func seedRoles(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO roles (id, name) VALUES ('r-pm', 'project_manager'), ('r-bk', 'bookkeeper')`,
		`INSERT INTO role_capabilities (role_id, module, action) VALUES
			('r-pm', 'expenses', 'write'),
			('r-pm', 'expenses', 'read'),
			('r-bk', 'expenses', 'read')`,
		`INSERT INTO users (id, name, role_id) VALUES
			('u-alice', 'Alice', 'r-pm'),
			('u-bob', 'Bob', 'r-bk')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func TestGateCapability(t *testing.T) {
	db := testdb.New(t)
	seedRoles(t, db)
	gate := NewGate(db, time.Minute, 100, zap.NewNop())
	ctx := context.Background()

	ok, err := gate.Capability(ctx, "u-alice", "expenses", "write")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Capability(ctx, "u-bob", "expenses", "write")
	require.NoError(t, err)
	assert.False(t, ok)

	err = gate.Require(ctx, "u-bob", "expenses", "write")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.NoError(t, gate.Require(ctx, "u-alice", "expenses", "write"))
}

func TestGateCacheHit(t *testing.T) {
	db := testdb.New(t)
	seedRoles(t, db)
	gate := NewGate(db, time.Minute, 100, zap.NewNop())
	ctx := context.Background()

	ok, err := gate.Capability(ctx, "u-alice", "expenses", "write")
	require.NoError(t, err)
	require.True(t, ok)

	// Revoking in the DB does not show up until the TTL lapses.
	_, err = db.Exec(`DELETE FROM role_capabilities WHERE role_id = 'r-pm'`)
	require.NoError(t, err)

	ok, err = gate.Capability(ctx, "u-alice", "expenses", "write")
	require.NoError(t, err)
	assert.True(t, ok)

	gate.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ok, err = gate.Capability(ctx, "u-alice", "expenses", "write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateEviction(t *testing.T) {
	db := testdb.New(t)
	seedRoles(t, db)
	gate := NewGate(db, time.Minute, 4, zap.NewNop())
	ctx := context.Background()

	for _, action := range []string{"a1", "a2", "a3", "a4", "a5"} {
		_, err := gate.Capability(ctx, "u-alice", "expenses", action)
		require.NoError(t, err)
	}
	gate.mu.Lock()
	size := len(gate.cache)
	gate.mu.Unlock()
	assert.LessOrEqual(t, size, 4)
}

func TestGateUser(t *testing.T) {
	db := testdb.New(t)
	seedRoles(t, db)
	gate := NewGate(db, time.Minute, 100, zap.NewNop())

	u, err := gate.User(context.Background(), "u-alice")
	require.NoError(t, err)
	assert.Equal(t, "project_manager", u.RoleName)

	_, err = gate.User(context.Background(), "nobody")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
