package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// tokenPrefixLen is how much of a token listings and revocation expose.
const tokenPrefixLen = 8

// TokenInfo is the listing view of an API token. The token itself never
// leaves the service after creation; only the prefix does.
type TokenInfo struct {
	Prefix      string  `json:"prefix"`
	Description string  `json:"description"`
	CreatedAt   string  `json:"created_at"`
	LastUsed    *string `json:"last_used,omitempty"`
	Revoked     bool    `json:"revoked"`
}

// TokenService manages API tokens for the admin HTTP surface.
type TokenService struct {
	db *sqlx.DB
}

// NewTokenService creates a new TokenService.
func NewTokenService(db *sqlx.DB) *TokenService {
	return &TokenService{db: db}
}

// Create mints a 256-bit random token, stores it, and returns it. This is
// the only time the full token is available.
func (s *TokenService) Create(ctx context.Context, description string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (token, description, created_at) VALUES (?, ?, ?)`,
		token, description, database.FormatTime(time.Now()))
	if err != nil {
		return "", models.DatabaseError("create token", err)
	}
	return token, nil
}

// Validate reports whether the token exists and is not revoked, touching
// last_used on success.
func (s *TokenService) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var revoked bool
	err := s.db.GetContext(ctx, &revoked, `
		SELECT revoked FROM api_tokens WHERE token = ?`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, models.DatabaseError("validate token", err)
	}
	if revoked {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_tokens SET last_used = ? WHERE token = ?`,
		database.FormatTime(time.Now()), token); err != nil {
		return false, models.DatabaseError("validate token", err)
	}
	return true, nil
}

// Revoke disables every token matching the given prefix. Requiring the full
// prefix length guards against fat-fingered mass revocation. Returns the
// number of tokens revoked.
func (s *TokenService) Revoke(ctx context.Context, prefix string) (int64, error) {
	if len(prefix) < tokenPrefixLen {
		return 0, models.ValidationErrorf("prefix must be at least %d characters", tokenPrefixLen)
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE api_tokens SET revoked = 1
		WHERE revoked = 0 AND substr(token, 1, ?) = ?`,
		len(prefix), prefix)
	if err != nil {
		return 0, models.DatabaseError("revoke token", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns every token's metadata, newest first, full values elided.
func (s *TokenService) List(ctx context.Context) ([]TokenInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT substr(token, 1, ?) AS prefix, description, created_at, last_used, revoked
		FROM api_tokens
		ORDER BY created_at DESC`, tokenPrefixLen)
	if err != nil {
		return nil, models.DatabaseError("list tokens", err)
	}
	defer rows.Close()

	tokens := []TokenInfo{}
	for rows.Next() {
		var t TokenInfo
		if err := rows.Scan(&t.Prefix, &t.Description, &t.CreatedAt, &t.LastUsed, &t.Revoked); err != nil {
			return nil, models.DatabaseError("list tokens", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, models.DatabaseError("list tokens", err)
	}
	return tokens, nil
}
