// Package kv implements the per-plugin key/value store with optional TTL
// expiry. Values are arbitrary JSON documents up to 64 KiB; expired rows are
// invisible to reads immediately and physically removed by the Sweeper.
package kv

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

const (
	storeTimeout = 5 * time.Second

	// maxValueBytes caps the compact JSON encoding of a value at 64 KiB.
	maxValueBytes = 64 * 1024

	defaultListLimit = 1000
)

// Store provides KV operations scoped by plugin name. Every query carries a
// plugin_name predicate so one plugin can never observe another's keys.
type Store struct {
	db *sqlx.DB

	// now is swappable so tests can control expiry.
	now func() time.Time
}

// NewStore creates a KV store backed by db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Set upserts a value under (plugin, key). ttlSeconds > 0 sets an absolute
// expiry of now + ttl; zero or negative means the key never expires. Updating
// an existing key replaces both the value and the expiry.
func (s *Store) Set(ctx context.Context, plugin, key string, value json.RawMessage, ttlSeconds int64) error {
	if plugin == "" {
		return models.MissingFieldError("plugin_name")
	}
	if key == "" {
		return models.MissingFieldError("key")
	}
	if len(value) == 0 {
		return models.MissingFieldError("value")
	}

	// Compact first so the size limit is insensitive to request whitespace,
	// and so invalid JSON is caught before it reaches the database.
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return models.ValidationErrorf("value is not valid JSON: %v", err)
	}
	if buf.Len() > maxValueBytes {
		return models.NewError(models.CodeValueTooLarge,
			"value is %d bytes, limit is %d", buf.Len(), maxValueBytes)
	}

	var expiresAt *int64
	if ttlSeconds > 0 {
		e := s.now().Unix() + ttlSeconds
		expiresAt = &e
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	query := `
		INSERT INTO plugin_kv (plugin_name, key, value_json, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (plugin_name, key) DO UPDATE SET
			value_json = excluded.value_json,
			expires_at = excluded.expires_at,
			updated_at = ?`

	now := database.FormatTime(s.now())
	if _, err := s.db.ExecContext(ctx, query, plugin, key, buf.String(), expiresAt, now); err != nil {
		return models.DatabaseError("kv set", err)
	}
	return nil
}

// Get returns the value stored under (plugin, key). A key whose expiry has
// passed is reported as missing even if the sweeper has not removed it yet.
func (s *Store) Get(ctx context.Context, plugin, key string) (json.RawMessage, bool, error) {
	if plugin == "" {
		return nil, false, models.MissingFieldError("plugin_name")
	}
	if key == "" {
		return nil, false, models.MissingFieldError("key")
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	query := `
		SELECT value_json FROM plugin_kv
		WHERE plugin_name = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`

	var raw string
	err := s.db.GetContext(ctx, &raw, query, plugin, key, s.now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, models.DatabaseError("kv get", err)
	}
	return json.RawMessage(raw), true, nil
}

// Delete removes (plugin, key) and reports whether a row existed. Deleting a
// missing key is not an error.
func (s *Store) Delete(ctx context.Context, plugin, key string) (bool, error) {
	if plugin == "" {
		return false, models.MissingFieldError("plugin_name")
	}
	if key == "" {
		return false, models.MissingFieldError("key")
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE plugin_name = ? AND key = ?`, plugin, key)
	if err != nil {
		return false, models.DatabaseError("kv delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, models.DatabaseError("kv delete", err)
	}
	return n > 0, nil
}

// List returns the plugin's live keys in lexicographic order, optionally
// restricted to a case-sensitive prefix. truncated reports whether the result
// filled the limit, meaning more keys may exist.
func (s *Store) List(ctx context.Context, plugin, prefix string, limit int) (keys []string, truncated bool, err error) {
	if plugin == "" {
		return nil, false, models.MissingFieldError("plugin_name")
	}
	if limit < 0 {
		return nil, false, models.ValidationErrorf("limit must not be negative, got %d", limit)
	}
	if limit == 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	// substr keeps the prefix match case-sensitive; LIKE folds ASCII case.
	query := `
		SELECT key FROM plugin_kv
		WHERE plugin_name = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND substr(key, 1, ?) = ?
		ORDER BY key ASC
		LIMIT ?`

	keys = []string{}
	err = s.db.SelectContext(ctx, &keys, query,
		plugin, s.now().Unix(), len(prefix), prefix, limit)
	if err != nil {
		return nil, false, models.DatabaseError("kv list", err)
	}
	return keys, len(keys) == limit, nil
}

// SweepExpired deletes every row across all plugins whose expiry has passed
// and returns the number removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().Unix())
	if err != nil {
		return 0, models.DatabaseError("kv sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, models.DatabaseError("kv sweep", err)
	}
	return n, nil
}
