package rows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/schema"
)

const (
	engineTimeout = 5 * time.Second

	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// Engine executes row operations against materialized plugin tables.
type Engine struct {
	db  *sqlx.DB
	reg *schema.Registry
}

// NewEngine creates a new Engine over the registry's cached schemas.
func NewEngine(db *sqlx.DB, reg *schema.Registry) *Engine {
	return &Engine{db: db, reg: reg}
}

// InsertResult reports what an insert created. Bulk distinguishes the
// single-row and array forms so the response shape can differ.
type InsertResult struct {
	IDs  []int64
	Bulk bool
}

// SortSpec orders search results.
type SortSpec struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// SearchParams carries the optional knobs of a search request.
type SearchParams struct {
	Filters json.RawMessage
	Sort    *SortSpec
	Limit   int
	Offset  int
}

// tableSchema resolves and validates the target table. Operations on
// unregistered tables fail here, before any SQL is built.
func (e *Engine) tableSchema(plugin, table string) (*schema.Schema, string, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, "", err
	}
	if err := schema.ValidateTableName(table); err != nil {
		return nil, "", err
	}
	s, ok := e.reg.Lookup(plugin, table)
	if !ok {
		return nil, "", models.ValidationErrorf("table %q is not registered for plugin %q", table, plugin)
	}
	return s, schema.PhysicalTable(plugin, table), nil
}

// Insert accepts a single row object or an array of rows. Every row is
// validated before anything is written; the array form inserts inside one
// transaction so a late failure leaves nothing behind.
func (e *Engine) Insert(ctx context.Context, plugin, table string, data json.RawMessage) (*InsertResult, error) {
	s, phys, err := e.tableSchema(plugin, table)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, models.MissingFieldError("data")
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return e.insertBulk(ctx, s, phys, data)
	}

	row, err := decodeObject(data, "data")
	if err != nil {
		return nil, err
	}
	validated, err := validateInsertRow(s, row)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	query, args := insertSQL(s, phys, validated)
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, models.DatabaseError("insert row", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, models.DatabaseError("insert row", err)
	}
	return &InsertResult{IDs: []int64{id}}, nil
}

func (e *Engine) insertBulk(ctx context.Context, s *schema.Schema, phys string, data json.RawMessage) (*InsertResult, error) {
	var rawRows []json.RawMessage
	if err := json.Unmarshal(data, &rawRows); err != nil {
		return nil, models.ValidationErrorf("data must be an object or an array of objects")
	}
	if len(rawRows) == 0 {
		return nil, models.ValidationErrorf("data must not be an empty array")
	}

	// Validate everything up front so a bad row rejects the whole batch
	// before any write.
	validated := make([]map[string]any, 0, len(rawRows))
	for i, rawRow := range rawRows {
		row, err := decodeObject(rawRow, fmt.Sprintf("data[%d]", i))
		if err != nil {
			return nil, err
		}
		v, err := validateInsertRow(s, row)
		if err != nil {
			return nil, err
		}
		validated = append(validated, v)
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, models.DatabaseError("bulk insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(validated))
	for _, row := range validated {
		query, args := insertSQL(s, phys, row)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, models.DatabaseError("bulk insert", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, models.DatabaseError("bulk insert", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, models.DatabaseError("bulk insert", err)
	}
	return &InsertResult{IDs: ids, Bulk: true}, nil
}

// insertSQL renders one INSERT in schema declaration order. A row of only
// absent optional fields falls back to DEFAULT VALUES.
func insertSQL(s *schema.Schema, phys string, row map[string]any) (string, []any) {
	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, f := range s.Fields {
		if v, ok := row[f.Name]; ok {
			cols = append(cols, f.Name)
			args = append(args, v)
		}
	}
	if len(cols) == 0 {
		return "INSERT INTO " + phys + " DEFAULT VALUES", nil
	}
	placeholders := strings.Repeat("?, ", len(cols)-1) + "?"
	return "INSERT INTO " + phys + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders + ")", args
}

// selectColumns lists every physical column in stable order.
func selectColumns(s *schema.Schema) string {
	cols := make([]string, 0, len(s.Fields)+3)
	cols = append(cols, "id")
	for _, f := range s.Fields {
		cols = append(cols, f.Name)
	}
	cols = append(cols, "created_at", "updated_at")
	return strings.Join(cols, ", ")
}

// Select fetches one row by id. A missing id is not an error.
func (e *Engine) Select(ctx context.Context, plugin, table string, id int64) (map[string]any, bool, error) {
	s, phys, err := e.tableSchema(plugin, table)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	rows, err := e.db.QueryxContext(ctx,
		"SELECT "+selectColumns(s)+" FROM "+phys+" WHERE id = ?", id)
	if err != nil {
		return nil, false, models.DatabaseError("select row", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, models.DatabaseError("select row", err)
		}
		return nil, false, nil
	}
	raw := map[string]any{}
	if err := rows.MapScan(raw); err != nil {
		return nil, false, models.DatabaseError("select row", err)
	}
	return decodeStoredRow(s, raw), true, nil
}

// Delete removes one row by id. Deleting a missing id reports false.
func (e *Engine) Delete(ctx context.Context, plugin, table string, id int64) (bool, error) {
	_, phys, err := e.tableSchema(plugin, table)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	res, err := e.db.ExecContext(ctx, "DELETE FROM "+phys+" WHERE id = ?", id)
	if err != nil {
		return false, models.DatabaseError("delete row", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Update applies a patch to every row matching the filter and returns the
// affected count. An empty filter patches the whole table.
func (e *Engine) Update(ctx context.Context, plugin, table string, filter, patch json.RawMessage) (int64, error) {
	s, phys, err := e.tableSchema(plugin, table)
	if err != nil {
		return 0, err
	}
	setClause, setArgs, err := compilePatch(s, patch)
	if err != nil {
		return 0, err
	}
	where, whereArgs, err := compileFilter(s, filter)
	if err != nil {
		return 0, err
	}

	query := "UPDATE " + phys + " SET " + setClause
	if where != "" {
		query += " WHERE " + where
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	res, err := e.db.ExecContext(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return 0, models.DatabaseError("update rows", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateByID applies a patch to a single row. Returns 0 when the id does
// not exist.
func (e *Engine) UpdateByID(ctx context.Context, plugin, table string, id int64, patch json.RawMessage) (int64, error) {
	s, phys, err := e.tableSchema(plugin, table)
	if err != nil {
		return 0, err
	}
	setClause, setArgs, err := compilePatch(s, patch)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	res, err := e.db.ExecContext(ctx,
		"UPDATE "+phys+" SET "+setClause+" WHERE id = ?", append(setArgs, id)...)
	if err != nil {
		return 0, models.DatabaseError("update row", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Search returns rows matching the filter with sort and pagination.
// truncated is true iff exactly limit rows came back, hinting at more.
func (e *Engine) Search(ctx context.Context, plugin, table string, p SearchParams) ([]map[string]any, bool, error) {
	s, phys, err := e.tableSchema(plugin, table)
	if err != nil {
		return nil, false, err
	}

	where, args, err := compileFilter(s, p.Filters)
	if err != nil {
		return nil, false, err
	}
	orderBy, err := compileSort(s, p.Sort)
	if err != nil {
		return nil, false, err
	}

	limit := p.Limit
	switch {
	case limit < 0:
		return nil, false, models.ValidationErrorf("limit must be non-negative")
	case limit == 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}
	if p.Offset < 0 {
		return nil, false, models.ValidationErrorf("offset must be non-negative")
	}

	query := "SELECT " + selectColumns(s) + " FROM " + phys
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, limit, p.Offset)

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	rows, err := e.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, false, models.DatabaseError("search rows", err)
	}
	defer rows.Close()

	results := []map[string]any{}
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return nil, false, models.DatabaseError("search rows", err)
		}
		results = append(results, decodeStoredRow(s, raw))
	}
	if err := rows.Err(); err != nil {
		return nil, false, models.DatabaseError("search rows", err)
	}
	return results, len(results) == limit, nil
}

// compileSort validates the sort spec. Sortable columns are the declared
// fields and id; default is id ascending.
func compileSort(s *schema.Schema, sort *SortSpec) (string, error) {
	if sort == nil {
		return "id ASC", nil
	}
	if sort.Field != "id" {
		if _, ok := s.Field(sort.Field); !ok {
			return "", models.ValidationErrorf("invalid sort field: %q", sort.Field)
		}
	}
	dir := "ASC"
	switch sort.Order {
	case "", "asc":
	case "desc":
		dir = "DESC"
	default:
		return "", models.ValidationErrorf("invalid sort order: %q", sort.Order)
	}
	if sort.Field == "id" {
		return "id " + dir, nil
	}
	// Secondary id sort keeps pagination stable across equal keys.
	return sort.Field + " " + dir + ", id ASC", nil
}

// decodeStoredRow converts driver values into the wire shape: integers as
// int64, floats as float64, booleans as bool, datetimes as canonical
// strings.
func decodeStoredRow(s *schema.Schema, raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	out["id"] = normalizeStored(schema.Field{Type: schema.TypeInteger}, raw["id"])
	for _, f := range s.Fields {
		out[f.Name] = normalizeStored(f, raw[f.Name])
	}
	ts := schema.Field{Type: schema.TypeDatetime}
	out["created_at"] = normalizeStored(ts, raw["created_at"])
	out["updated_at"] = normalizeStored(ts, raw["updated_at"])
	return out
}

func normalizeStored(f schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case schema.TypeInteger:
		switch val := v.(type) {
		case int64:
			return val
		case float64:
			return int64(val)
		}
	case schema.TypeFloat:
		switch val := v.(type) {
		case float64:
			return val
		case int64:
			return float64(val)
		}
	case schema.TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val
		case int64:
			return val != 0
		case float64:
			return val != 0
		}
	case schema.TypeString, schema.TypeText, schema.TypeDatetime:
		switch val := v.(type) {
		case string:
			return val
		case []byte:
			return string(val)
		}
	}
	return v
}
