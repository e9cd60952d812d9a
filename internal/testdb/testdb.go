// Package testdb opens throwaway in-memory databases with the full
// schema applied, for package tests.
package testdb

import (
	"database/sql"
	"path/filepath"
	"runtime"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/pkg/database"
)

// New returns an in-memory sqlite database with all migrations applied.
// The connection is closed when the test finishes.
func New(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	migrator := database.NewMigrator(db, zap.NewNop())
	if err := migrator.RunMigrations(migrationsDir(t)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db.DB
}

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate migrations directory")
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
