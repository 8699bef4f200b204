package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

const registryTimeout = 5 * time.Second

// TableInfo is the listing view of one registered table.
type TableInfo struct {
	TableName  string  `json:"table_name"`
	Fields     []Field `json:"fields"`
	FieldCount int     `json:"field_count"`
}

// Registry persists schemas and keeps the in-memory cache that row
// operations consult. The cache is authoritative after Load: lookups never
// round-trip to the database.
type Registry struct {
	db *sqlx.DB

	mu    sync.RWMutex
	cache map[string]*Schema
}

// NewRegistry creates an empty registry. Call Load before serving.
func NewRegistry(db *sqlx.DB) *Registry {
	return &Registry{db: db, cache: make(map[string]*Schema)}
}

func cacheKey(plugin, table string) string {
	return plugin + "." + table
}

// Load populates the cache from the schema table. A schema row that fails
// to decode aborts startup; a corrupt registry is not servable.
func (r *Registry) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT plugin_name, table_name, schema_json FROM plugin_table_schemas`)
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]*Schema)
	for rows.Next() {
		var plugin, table, schemaJSON string
		if err := rows.Scan(&plugin, &table, &schemaJSON); err != nil {
			return fmt.Errorf("failed to scan schema row: %w", err)
		}
		var s Schema
		if err := json.Unmarshal([]byte(schemaJSON), &s); err != nil {
			return fmt.Errorf("failed to decode schema for %s.%s: %w", plugin, table, err)
		}
		cache[cacheKey(plugin, table)] = &s
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	r.mu.Lock()
	r.cache = cache
	r.mu.Unlock()
	return nil
}

// Register validates and persists a schema, materializes its physical
// table, and caches it. Registering an existing (plugin, table) pair is a
// no-op reported via created=false. The registry lock is held across the
// database work so concurrent registrations of the same pair serialize.
func (r *Registry) Register(ctx context.Context, plugin, table string, raw json.RawMessage) (bool, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return false, err
	}
	if err := ValidateTableName(table); err != nil {
		return false, err
	}
	s, err := Parse(raw)
	if err != nil {
		return false, err
	}
	if err := s.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey(plugin, table)
	if _, ok := r.cache[key]; ok {
		return false, nil
	}

	schemaJSON, err := json.Marshal(s)
	if err != nil {
		return false, models.WrapError(models.CodeInternalError, err, "failed to encode schema")
	}

	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	// SQLite DDL is transactional, so the registry row and the physical
	// table appear or vanish together.
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, models.DatabaseError("register schema", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := database.FormatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plugin_table_schemas (plugin_name, table_name, version, schema_json, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)`,
		plugin, table, string(schemaJSON), now, now); err != nil {
		return false, models.DatabaseError("register schema", err)
	}
	if _, err := tx.ExecContext(ctx, CreateTableSQL(plugin, table, s)); err != nil {
		return false, models.DatabaseError("create plugin table", err)
	}
	if err := tx.Commit(); err != nil {
		return false, models.DatabaseError("register schema", err)
	}

	r.cache[key] = s
	return true, nil
}

// Lookup returns the cached schema for (plugin, table).
func (r *Registry) Lookup(plugin, table string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.cache[cacheKey(plugin, table)]
	return s, ok
}

// List returns the registered tables for a plugin, sorted by table name.
func (r *Registry) List(plugin string) []TableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := plugin + "."
	infos := []TableInfo{}
	for key, s := range r.cache {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, TableInfo{
			TableName:  strings.TrimPrefix(key, prefix),
			Fields:     s.Fields,
			FieldCount: len(s.Fields),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TableName < infos[j].TableName })
	return infos
}

// Delete drops the physical table and removes the schema row and cache
// entry. Deleting an unregistered table reports deleted=false.
func (r *Registry) Delete(ctx context.Context, plugin, table string) (bool, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return false, err
	}
	if err := ValidateTableName(table); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey(plugin, table)
	if _, ok := r.cache[key]; !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, models.DatabaseError("delete schema", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+PhysicalTable(plugin, table)); err != nil {
		return false, models.DatabaseError("drop plugin table", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM plugin_table_schemas WHERE plugin_name = ? AND table_name = ?`,
		plugin, table); err != nil {
		return false, models.DatabaseError("delete schema", err)
	}
	if err := tx.Commit(); err != nil {
		return false, models.DatabaseError("delete schema", err)
	}

	delete(r.cache, key)
	return true, nil
}
