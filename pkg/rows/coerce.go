// Package rows implements the row-operation engine over registered plugin
// tables: insert, select, update, delete, and search with a JSON filter
// language. All validation runs against the cached schema, never against
// physical column introspection.
package rows

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/schema"
)

// maxStringLen mirrors the VARCHAR(255) mapping of the string type. SQLite
// does not enforce declared lengths, so the engine does.
const maxStringLen = 255

// datetimeLayouts are the accepted input forms. Go's parser also accepts a
// fractional-seconds suffix against any of these. Layouts without a zone
// are read as UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// decodeObject decodes raw into a map, preserving number precision via
// json.Number so large integers survive coercion.
func decodeObject(raw json.RawMessage, what string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, models.ValidationErrorf("%s must be a JSON object", what)
	}
	return m, nil
}

// coerceValue converts v to the field's declared type. A nil value passes
// through; required-ness is checked by the callers that know whether the
// field must be present.
func coerceValue(f schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.TypeString, schema.TypeText:
		return coerceString(f, v)
	case schema.TypeInteger:
		return coerceInteger(f, v)
	case schema.TypeFloat:
		return coerceFloat(f, v)
	case schema.TypeBoolean:
		return coerceBoolean(f, v)
	case schema.TypeDatetime:
		return coerceDatetime(f, v)
	default:
		return nil, models.ValidationErrorf("field %q: unknown type %q", f.Name, f.Type)
	}
}

func coerceString(f schema.Field, v any) (any, error) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	case float64:
		s = strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	default:
		return nil, models.ValidationErrorf("field %q: cannot convert %T to %s", f.Name, v, f.Type)
	}
	if f.Type == schema.TypeString && len(s) > maxStringLen {
		return nil, models.ValidationErrorf("field %q: string exceeds %d characters", f.Name, maxStringLen)
	}
	return s, nil
}

func coerceInteger(f schema.Field, v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		if fl, err := val.Float64(); err == nil {
			return int64(fl), nil // truncates toward zero
		}
	case float64:
		return int64(val), nil
	case int64:
		return val, nil
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return i, nil
		}
	}
	return nil, models.ValidationErrorf("field %q: value %v is not an integer", f.Name, v)
}

func coerceFloat(f schema.Field, v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if fl, err := val.Float64(); err == nil {
			return fl, nil
		}
	case float64:
		return val, nil
	case int64:
		return float64(val), nil
	case string:
		if fl, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return fl, nil
		}
	}
	return nil, models.ValidationErrorf("field %q: value %v is not a number", f.Name, v)
}

func coerceBoolean(f schema.Field, v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		}
	case json.Number:
		if fl, err := val.Float64(); err == nil {
			return fl != 0, nil
		}
	case float64:
		return val != 0, nil
	case int64:
		return val != 0, nil
	}
	return nil, models.ValidationErrorf("field %q: value %v is not a boolean", f.Name, v)
}

func coerceDatetime(f schema.Field, v any) (any, error) {
	switch val := v.(type) {
	case string:
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return database.FormatTime(t), nil
			}
		}
	case json.Number:
		if fl, err := val.Float64(); err == nil {
			return formatEpoch(fl), nil
		}
	case float64:
		return formatEpoch(val), nil
	case int64:
		return formatEpoch(float64(val)), nil
	}
	return nil, models.ValidationErrorf("field %q: value %v is not a datetime", f.Name, v)
}

// formatEpoch renders epoch seconds (with fraction) canonically.
func formatEpoch(sec float64) string {
	s := int64(sec)
	ns := int64((sec - float64(s)) * float64(time.Second))
	return database.FormatTime(time.Unix(s, ns))
}

// validateInsertRow checks a full input row against the schema and returns
// the coerced values for the fields that were present. Unknown fields,
// engine-managed fields, and missing or null required fields are rejected.
func validateInsertRow(s *schema.Schema, row map[string]any) (map[string]any, error) {
	for key := range row {
		if schema.Reserved(key) {
			return nil, models.ValidationErrorf("field %q is immutable", key)
		}
		if _, ok := s.Field(key); !ok {
			return nil, models.ValidationErrorf("unknown field: %q", key)
		}
	}

	out := make(map[string]any, len(row))
	for _, f := range s.Fields {
		v, present := row[f.Name]
		if !present {
			if f.Required {
				return nil, models.ValidationErrorf("field %q is required", f.Name)
			}
			continue
		}
		if v == nil {
			if f.Required {
				return nil, models.ValidationErrorf("field %q is required", f.Name)
			}
			out[f.Name] = nil
			continue
		}
		coerced, err := coerceValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	return out, nil
}
