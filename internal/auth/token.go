package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ngmhub/siteledger/internal/apperr"
)

// tokenClaims is the signed payload of a bearer token.
type tokenClaims struct {
	UserID    string `json:"uid"`
	ExpiresAt int64  `json:"exp"`
}

// TokenSigner issues and verifies HMAC-SHA256 bearer tokens.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. ttl bounds token lifetime.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for the given user.
func (s *TokenSigner) Issue(userID string) (string, error) {
	if userID == "" {
		return "", apperr.New(apperr.KindValidation, "user id is required")
	}
	claims := tokenClaims{
		UserID:    userID,
		ExpiresAt: s.now().Add(s.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode token claims: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), nil
}

// Verify checks signature and expiry and returns the user id.
func (s *TokenSigner) Verify(token string) (string, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", apperr.New(apperr.KindUnauthenticated, "malformed token")
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(body))) {
		return "", apperr.New(apperr.KindUnauthenticated, "invalid token signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", apperr.New(apperr.KindUnauthenticated, "malformed token payload")
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", apperr.New(apperr.KindUnauthenticated, "malformed token claims")
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return "", apperr.New(apperr.KindUnauthenticated, "token expired")
	}
	return claims.UserID, nil
}

func (s *TokenSigner) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
