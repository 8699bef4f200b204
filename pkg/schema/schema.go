// Package schema validates, persists, and caches per-plugin table schemas,
// and materializes the physical tables that row operations run against.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/roseybot/rosey/pkg/models"
)

// FieldType enumerates the declarable column types.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeText     FieldType = "text"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDatetime FieldType = "datetime"
)

// columnTypes maps declared types to physical column types. SQLite treats
// these as affinities; validation happens against the schema, never against
// the physical column.
var columnTypes = map[FieldType]string{
	TypeString:   "VARCHAR(255)",
	TypeText:     "TEXT",
	TypeInteger:  "INTEGER",
	TypeFloat:    "REAL",
	TypeBoolean:  "BOOLEAN",
	TypeDatetime: "TIMESTAMP",
}

var (
	fieldNameRe  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	tableNameRe  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,99}$`)
	pluginNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// reservedFields are engine-managed columns a schema may not declare and a
// caller may never write.
var reservedFields = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
}

// Reserved reports whether name is an engine-managed column.
func Reserved(name string) bool {
	return reservedFields[name]
}

// Field declares one column of a plugin table.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Schema is a validated per-table schema document.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Field returns the declared field by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Parse decodes a schema document. Strictness matters here: `required` must
// be a JSON boolean when present, and fields must be objects with string
// name and type. Every violation is a VALIDATION_ERROR naming the spot.
func Parse(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, models.MissingFieldError("schema")
	}
	var doc struct {
		Fields []json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, models.ValidationErrorf("schema must be an object with a fields array")
	}

	s := &Schema{Fields: make([]Field, 0, len(doc.Fields))}
	for i, rawField := range doc.Fields {
		var fd map[string]json.RawMessage
		if err := json.Unmarshal(rawField, &fd); err != nil {
			return nil, models.ValidationErrorf("schema field %d must be an object", i)
		}
		var f Field
		if nameRaw, ok := fd["name"]; ok {
			if err := json.Unmarshal(nameRaw, &f.Name); err != nil {
				return nil, models.ValidationErrorf("schema field %d: name must be a string", i)
			}
		}
		if typeRaw, ok := fd["type"]; ok {
			var typ string
			if err := json.Unmarshal(typeRaw, &typ); err != nil {
				return nil, models.ValidationErrorf("schema field %q: type must be a string", f.Name)
			}
			f.Type = FieldType(typ)
		}
		if reqRaw, ok := fd["required"]; ok {
			// Unmarshal of a JSON null into a plain bool is a silent no-op,
			// so decode through a pointer to catch it.
			var req *bool
			if err := json.Unmarshal(reqRaw, &req); err != nil || req == nil {
				return nil, models.ValidationErrorf("schema field %q: required must be a boolean", f.Name)
			}
			f.Required = *req
		}
		s.Fields = append(s.Fields, f)
	}
	return s, nil
}

// Validate checks the document rules: at least one field, legal unreserved
// unique names, known types.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return models.ValidationErrorf("schema must declare at least one field")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !fieldNameRe.MatchString(f.Name) {
			return models.ValidationErrorf("invalid field name: %q", f.Name)
		}
		if reservedFields[f.Name] {
			return models.ValidationErrorf("field name %q is reserved", f.Name)
		}
		if seen[f.Name] {
			return models.ValidationErrorf("duplicate field name: %q", f.Name)
		}
		seen[f.Name] = true
		if _, ok := columnTypes[f.Type]; !ok {
			return models.ValidationErrorf("field %q: unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}

// ValidateTableName checks a caller-supplied table name.
func ValidateTableName(table string) error {
	if table == "" {
		return models.MissingFieldError("table")
	}
	if !tableNameRe.MatchString(table) {
		return models.ValidationErrorf("invalid table name: %q", table)
	}
	return nil
}

// ValidatePluginName checks a plugin name extracted from a subject. Plugin
// names become physical table prefixes, so they follow identifier rules.
func ValidatePluginName(plugin string) error {
	if plugin == "" {
		return models.MissingFieldError("plugin_name")
	}
	if !pluginNameRe.MatchString(plugin) {
		return models.ValidationErrorf("invalid plugin name: %q", plugin)
	}
	return nil
}

// PhysicalTable returns the backing table name for (plugin, table). Both
// parts are regex-validated identifiers, so the result is safe to splice
// into SQL.
func PhysicalTable(plugin, table string) string {
	return plugin + "_" + table
}

// CreateTableSQL renders the DDL materializing a registered schema.
// created_at and updated_at default to the canonical UTC ISO-8601 form so
// inserts need not supply them.
func CreateTableSQL(plugin, table string, s *Schema) string {
	cols := make([]string, 0, len(s.Fields)+3)
	cols = append(cols, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, f := range s.Fields {
		col := fmt.Sprintf("%s %s", f.Name, columnTypes[f.Type])
		if f.Required {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols,
		"created_at TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))",
		"updated_at TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		PhysicalTable(plugin, table), strings.Join(cols, ",\n    "))
}
