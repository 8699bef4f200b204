package rows

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/schema"
)

// compilePatch turns a patch document into a SET clause. Literal values are
// $set after coercion; atomic operators compile to expressions over the old
// value so concurrent updates compose without an engine-level lock.
// updated_at is always rewritten.
func compilePatch(s *schema.Schema, raw json.RawMessage) (string, []any, error) {
	if len(raw) == 0 {
		return "", nil, models.MissingFieldError("patch")
	}
	patch, err := decodeObject(raw, "patch")
	if err != nil {
		return "", nil, err
	}
	if len(patch) == 0 {
		return "", nil, models.ValidationErrorf("patch must not be empty")
	}

	clauses := make([]string, 0, len(patch)+1)
	args := make([]any, 0, len(patch)+1)
	for _, name := range sortedKeys(patch) {
		if schema.Reserved(name) {
			return "", nil, models.ValidationErrorf("field %q is immutable", name)
		}
		f, ok := s.Field(name)
		if !ok {
			return "", nil, models.ValidationErrorf("unknown field: %q", name)
		}

		// Every compiled clause carries exactly one placeholder, including
		// $set to null, which binds SQL NULL.
		clause, arg, err := compilePatchValue(f, patch[name])
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, arg)
	}

	clauses = append(clauses, "updated_at = ?")
	args = append(args, database.FormatTime(time.Now()))
	return strings.Join(clauses, ", "), args, nil
}

func compilePatchValue(f schema.Field, value any) (string, any, error) {
	ops, isObj := value.(map[string]any)
	if isObj {
		hasOp := false
		for key := range ops {
			if strings.HasPrefix(key, "$") {
				hasOp = true
			}
		}
		if !hasOp {
			return "", nil, models.ValidationErrorf("field %q: cannot set an object value", f.Name)
		}
		if len(ops) != 1 {
			return "", nil, models.ValidationErrorf("field %q: atomic patch must have exactly one operator", f.Name)
		}
		for op, v := range ops {
			return compileAtomic(f, op, v)
		}
	}
	// Bare literal is $set.
	return compileAtomic(f, "$set", value)
}

func compileAtomic(f schema.Field, op string, value any) (string, any, error) {
	switch op {
	case "$set":
		if value == nil {
			if f.Required {
				return "", nil, models.ValidationErrorf("field %q is required", f.Name)
			}
			return f.Name + " = ?", nil, nil
		}
		coerced, err := coerceValue(f, value)
		if err != nil {
			return "", nil, err
		}
		return f.Name + " = ?", coerced, nil

	case "$inc":
		if f.Type != schema.TypeInteger && f.Type != schema.TypeFloat {
			return "", nil, models.ValidationErrorf("$inc not allowed on %s field %q", f.Type, f.Name)
		}
		coerced, err := coerceValue(f, value)
		if err != nil {
			return "", nil, err
		}
		return f.Name + " = " + f.Name + " + ?", coerced, nil

	case "$max":
		coerced, err := coerceValue(f, value)
		if err != nil {
			return "", nil, err
		}
		return f.Name + " = MAX(" + f.Name + ", ?)", coerced, nil

	case "$min":
		coerced, err := coerceValue(f, value)
		if err != nil {
			return "", nil, err
		}
		return f.Name + " = MIN(" + f.Name + ", ?)", coerced, nil

	default:
		return "", nil, models.ValidationErrorf("field %q: unknown patch operator %q", f.Name, op)
	}
}
