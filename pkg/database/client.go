// Package database provides the SQLite database client and system migration
// utilities. One database file holds every system table and every
// materialized plugin table.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register pure-Go SQLite driver
)

//go:embed migrations
var migrationsFS embed.FS

// TimeFormat is the canonical on-disk and on-wire timestamp layout:
// UTC ISO-8601 with millisecond precision. Fixed width keeps SQL string
// comparisons consistent with chronological order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime reads a canonical timestamp back.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file. ":memory:" yields a private
	// in-memory database (used by tests).
	Path string

	// Connection pool settings. SQLite serializes writers; readers run
	// concurrently under WAL.
	MaxOpenConns int
	MaxIdleConns int
}

// Client wraps the sqlx handle and provides access to the underlying pool.
type Client struct {
	db *sqlx.DB
}

// DB returns the sqlx handle for queries.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// SQL returns the raw database/sql pool for health checks.
func (c *Client) SQL() *stdsql.DB {
	return c.db.DB
}

// Close closes the pool after checkpointing the WAL.
func (c *Client) Close() error {
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

// NewClient opens the database file, configures the pool, and applies the
// embedded system migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := cfg.Path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// runMigrations applies the embedded system-table migrations with
// golang-migrate. Plugin migrations are a separate mechanism (pkg/migrate)
// and never touch this version table.
//
// Migration files are embedded into the binary via go:embed, so production
// deployments need no external files:
//  1. Add pkg/database/migrations/NNNNNN_<name>.up.sql and .down.sql
//  2. Build; files are embedded at compile time
//  3. Pending migrations apply automatically on startup (this function)
func runMigrations(db *stdsql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB passed via
	// WithInstance and breaks the pool.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
