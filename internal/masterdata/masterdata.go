// Package masterdata serves the read-only reference tables: projects,
// vendors, accounts and payment methods. The platform of record owns
// these; the pipeline only resolves ids to names.
package masterdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// Store reads master data with a short-lived snapshot cache per table.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	accounts cached[models.Account]
	vendors  cached[models.Vendor]
}

type cached[T any] struct {
	rows    []T
	expires time.Time
}

// NewStore creates a master data store. ttl bounds snapshot staleness.
func NewStore(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Accounts lists the chart of accounts.
func (s *Store) Accounts(ctx context.Context) ([]models.Account, error) {
	s.mu.Lock()
	if s.now().Before(s.accounts.expires) {
		rows := s.accounts.rows
		s.mu.Unlock()
		return rows, nil
	}
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, number FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Number); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	s.mu.Lock()
	s.accounts = cached[models.Account]{rows: out, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return out, nil
}

// AccountName resolves an account id.
func (s *Store) AccountName(ctx context.Context, id string) (string, error) {
	accounts, err := s.Accounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.ID == id {
			return a.Name, nil
		}
	}
	return "", apperr.Newf(apperr.KindNotFound, "account %s not found", id)
}

// Vendors lists known vendors.
func (s *Store) Vendors(ctx context.Context) ([]models.Vendor, error) {
	s.mu.Lock()
	if s.now().Before(s.vendors.expires) {
		rows := s.vendors.rows
		s.mu.Unlock()
		return rows, nil
	}
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM vendors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendors: %w", err)
	}
	defer rows.Close()

	var out []models.Vendor
	for rows.Next() {
		var v models.Vendor
		if err := rows.Scan(&v.ID, &v.Name); err != nil {
			return nil, fmt.Errorf("failed to scan vendor: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vendors: %w", err)
	}

	s.mu.Lock()
	s.vendors = cached[models.Vendor]{rows: out, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return out, nil
}

// Project resolves a project by id.
func (s *Store) Project(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, stage FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &p, nil
}

// Projects lists all projects.
func (s *Store) Projects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, stage FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Stage); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PaymentMethod resolves a payment method by id.
func (s *Store) PaymentMethod(ctx context.Context, id string) (*models.PaymentMethod, error) {
	var m models.PaymentMethod
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM payment_methods WHERE id = ?`, id).
		Scan(&m.ID, &m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "payment method %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment method: %w", err)
	}
	return &m, nil
}

// VendorByName finds a vendor by exact (case-insensitive) name.
func (s *Store) VendorByName(ctx context.Context, name string) (*models.Vendor, error) {
	var v models.Vendor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM vendors WHERE LOWER(name) = LOWER(?)`, name).
		Scan(&v.ID, &v.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find vendor: %w", err)
	}
	return &v, nil
}
