package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/pkg/utils"
)

// LoginResult is what a successful credential check hands back.
type LoginResult struct {
	Token        string              `json:"token"`
	User         *models.User        `json:"user"`
	Role         string              `json:"role"`
	Capabilities []models.Capability `json:"capabilities"`
}

// Login checks an email/password pair and issues a bearer token. Bad
// email and bad password are indistinguishable to the caller.
func (g *Gate) Login(ctx context.Context, signer *TokenSigner, email, password string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, apperr.New(apperr.KindValidation, "email and password are required")
	}
	if err := utils.ValidateEmail(email); err != nil {
		return nil, apperr.New(apperr.KindValidation, err.Error())
	}

	var userID, hash string
	err := g.db.QueryRowContext(ctx, `
		SELECT id, password_hash FROM users WHERE email = ? AND is_bot = 0`, email).
		Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid credentials")
	}

	user, err := g.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	caps, err := g.Capabilities(ctx, userID)
	if err != nil {
		return nil, err
	}
	token, err := signer.Issue(userID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: user, Role: user.RoleName, Capabilities: caps}, nil
}

// Capabilities lists every (module, action) grant of the user's role.
func (g *Gate) Capabilities(ctx context.Context, userID string) ([]models.Capability, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT rc.module, rc.action
		FROM users u JOIN role_capabilities rc ON rc.role_id = u.role_id
		WHERE u.id = ?
		ORDER BY rc.module, rc.action`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer rows.Close()

	var caps []models.Capability
	for rows.Next() {
		var c models.Capability
		if err := rows.Scan(&c.Module, &c.Action); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// HashPassword is the seeding-side companion of Login.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
