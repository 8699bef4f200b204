package rows

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/schema"
)

// rangeOps are only legal on numeric or datetime columns.
var rangeOps = map[string]string{
	"$lt":  "<",
	"$lte": "<=",
	"$gt":  ">",
	"$gte": ">=",
}

// filterCompiler turns a filter document into a parameterized WHERE clause.
// Keys are processed in sorted order so the generated SQL is deterministic.
type filterCompiler struct {
	s    *schema.Schema
	args []any
}

// compileFilter compiles raw into a WHERE body and its arguments. An empty
// or null filter compiles to the empty string, meaning no constraint.
func compileFilter(s *schema.Schema, raw json.RawMessage) (string, []any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	node, err := decodeObject(raw, "filter")
	if err != nil {
		return "", nil, err
	}
	if len(node) == 0 {
		return "", nil, nil
	}
	c := &filterCompiler{s: s}
	where, err := c.compileNode(node)
	if err != nil {
		return "", nil, err
	}
	return where, c.args, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// filterColumn resolves a filterable column. Declared fields plus the
// engine-managed columns are all addressable; id is an integer and the
// timestamps are datetimes for operator legality.
func (c *filterCompiler) filterColumn(name string) (schema.Field, error) {
	switch name {
	case "id":
		return schema.Field{Name: "id", Type: schema.TypeInteger}, nil
	case "created_at", "updated_at":
		return schema.Field{Name: name, Type: schema.TypeDatetime}, nil
	}
	f, ok := c.s.Field(name)
	if !ok {
		return schema.Field{}, models.ValidationErrorf("unknown field: %q", name)
	}
	return f, nil
}

func (c *filterCompiler) compileNode(node map[string]any) (string, error) {
	conds := make([]string, 0, len(node))
	for _, key := range sortedKeys(node) {
		value := node[key]
		switch {
		case key == "$and" || key == "$or":
			cond, err := c.compileLogical(key, value)
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		case key == "$not":
			sub, ok := value.(map[string]any)
			if !ok || len(sub) == 0 {
				return "", models.ValidationErrorf("$not requires a non-empty object")
			}
			inner, err := c.compileNode(sub)
			if err != nil {
				return "", err
			}
			conds = append(conds, "NOT ("+inner+")")
		case strings.HasPrefix(key, "$"):
			return "", models.ValidationErrorf("unknown operator: %q", key)
		default:
			cond, err := c.compileField(key, value)
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		}
	}
	return strings.Join(conds, " AND "), nil
}

func (c *filterCompiler) compileLogical(op string, value any) (string, error) {
	subs, ok := value.([]any)
	if !ok || len(subs) == 0 {
		return "", models.ValidationErrorf("%s requires a non-empty array", op)
	}
	joiner := " AND "
	if op == "$or" {
		joiner = " OR "
	}
	parts := make([]string, 0, len(subs))
	for _, sub := range subs {
		obj, ok := sub.(map[string]any)
		if !ok || len(obj) == 0 {
			return "", models.ValidationErrorf("%s elements must be non-empty objects", op)
		}
		inner, err := c.compileNode(obj)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+inner+")")
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

// compileField handles a field key: either an operator object or a bare
// literal, which is shorthand for $eq.
func (c *filterCompiler) compileField(name string, value any) (string, error) {
	col, err := c.filterColumn(name)
	if err != nil {
		return "", err
	}

	ops, isOps := value.(map[string]any)
	if !isOps {
		return c.compileComparison(col, "$eq", value)
	}
	if len(ops) == 0 {
		return "", models.ValidationErrorf("field %q: empty operator object", name)
	}

	conds := make([]string, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		cond, err := c.compileComparison(col, op, ops[op])
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}
	return strings.Join(conds, " AND "), nil
}

func (c *filterCompiler) compileComparison(col schema.Field, op string, value any) (string, error) {
	switch op {
	case "$eq":
		if value == nil {
			return col.Name + " IS NULL", nil
		}
		coerced, err := coerceValue(col, value)
		if err != nil {
			return "", err
		}
		c.args = append(c.args, coerced)
		return col.Name + " = ?", nil

	case "$ne":
		if value == nil {
			return col.Name + " IS NOT NULL", nil
		}
		coerced, err := coerceValue(col, value)
		if err != nil {
			return "", err
		}
		c.args = append(c.args, coerced)
		return col.Name + " != ?", nil

	case "$lt", "$lte", "$gt", "$gte":
		switch col.Type {
		case schema.TypeInteger, schema.TypeFloat, schema.TypeDatetime:
		default:
			return "", models.ValidationErrorf("operator %s not allowed on %s field %q", op, col.Type, col.Name)
		}
		coerced, err := coerceValue(col, value)
		if err != nil {
			return "", err
		}
		c.args = append(c.args, coerced)
		return col.Name + " " + rangeOps[op] + " ?", nil

	case "$in", "$nin":
		list, ok := value.([]any)
		if !ok {
			return "", models.ValidationErrorf("field %q: %s requires an array", col.Name, op)
		}
		if len(list) == 0 {
			// Empty membership: $in matches nothing, $nin matches everything.
			if op == "$in" {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		placeholders := make([]string, 0, len(list))
		for _, item := range list {
			coerced, err := coerceValue(col, item)
			if err != nil {
				return "", err
			}
			c.args = append(c.args, coerced)
			placeholders = append(placeholders, "?")
		}
		keyword := " IN ("
		if op == "$nin" {
			keyword = " NOT IN ("
		}
		return col.Name + keyword + strings.Join(placeholders, ", ") + ")", nil

	default:
		return "", models.ValidationErrorf("field %q: unknown operator %q", col.Name, op)
	}
}
