package rows

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/schema"
)

func TestCoerceValue_Integer(t *testing.T) {
	f := schema.Field{Name: "score", Type: schema.TypeInteger}

	cases := []struct {
		name string
		in   any
		want int64
	}{
		{"json number", json.Number("42"), 42},
		{"negative", json.Number("-7"), -7},
		{"float truncates toward zero", json.Number("3.9"), 3},
		{"negative float truncates toward zero", json.Number("-3.9"), -3},
		{"integer string", "123", 123},
		{"padded string", "  55 ", 55},
		{"large integer survives", json.Number("9007199254740993"), 9007199254740993},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceValue(f, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []any{"3.5", "abc", true, ""} {
		_, err := coerceValue(f, bad)
		require.Error(t, err, "value %v should be rejected", bad)
	}
}

func TestCoerceValue_Float(t *testing.T) {
	f := schema.Field{Name: "rating", Type: schema.TypeFloat}

	got, err := coerceValue(f, json.Number("3.14"))
	require.NoError(t, err)
	assert.Equal(t, 3.14, got)

	got, err = coerceValue(f, "2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	got, err = coerceValue(f, json.Number("10"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)

	_, err = coerceValue(f, "not a number")
	require.Error(t, err)
	_, err = coerceValue(f, false)
	require.Error(t, err)
}

func TestCoerceValue_Boolean(t *testing.T) {
	f := schema.Field{Name: "approved", Type: schema.TypeBoolean}

	truthy := []any{true, "true", "TRUE", "1", "yes", "On", json.Number("1"), json.Number("-2")}
	for _, v := range truthy {
		got, err := coerceValue(f, v)
		require.NoError(t, err, "value %v", v)
		assert.Equal(t, true, got, "value %v", v)
	}

	falsy := []any{false, "false", "0", "no", "OFF", "", json.Number("0")}
	for _, v := range falsy {
		got, err := coerceValue(f, v)
		require.NoError(t, err, "value %v", v)
		assert.Equal(t, false, got, "value %v", v)
	}

	_, err := coerceValue(f, "maybe")
	require.Error(t, err)
}

func TestCoerceValue_String(t *testing.T) {
	str := schema.Field{Name: "author", Type: schema.TypeString}
	text := schema.Field{Name: "quote", Type: schema.TypeText}

	got, err := coerceValue(str, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	got, err = coerceValue(str, json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = coerceValue(str, true)
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	t.Run("string enforces the 255 limit, text does not", func(t *testing.T) {
		long := strings.Repeat("x", 256)
		_, err := coerceValue(str, long)
		require.Error(t, err)

		got, err := coerceValue(text, long)
		require.NoError(t, err)
		assert.Equal(t, long, got)
	})

	_, err = coerceValue(str, map[string]any{"nested": 1})
	require.Error(t, err)
}

func TestCoerceValue_Datetime(t *testing.T) {
	f := schema.Field{Name: "said_at", Type: schema.TypeDatetime}

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"canonical form", "2024-01-15T10:30:00.500Z", "2024-01-15T10:30:00.500Z"},
		{"rfc3339 with offset", "2024-01-15T12:30:00+02:00", "2024-01-15T10:30:00.000Z"},
		{"naive assumed utc", "2024-01-15T10:30:00", "2024-01-15T10:30:00.000Z"},
		{"space separator", "2024-01-15 10:30:00", "2024-01-15T10:30:00.000Z"},
		{"date only", "2024-01-15", "2024-01-15T00:00:00.000Z"},
		{"epoch seconds", json.Number("1705314600"), "2024-01-15T10:30:00.000Z"},
		{"epoch with fraction", json.Number("1705314600.25"), "2024-01-15T10:30:00.250Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceValue(f, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := coerceValue(f, "not a date")
	require.Error(t, err)
	_, err = coerceValue(f, true)
	require.Error(t, err)
}

func TestValidateInsertRow(t *testing.T) {
	s := &schema.Schema{Fields: []schema.Field{
		{Name: "quote", Type: schema.TypeText, Required: true},
		{Name: "score", Type: schema.TypeInteger},
	}}

	t.Run("coerces present fields", func(t *testing.T) {
		out, err := validateInsertRow(s, map[string]any{"quote": "hi", "score": "3"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"quote": "hi", "score": int64(3)}, out)
	})

	t.Run("absent optional fields are omitted", func(t *testing.T) {
		out, err := validateInsertRow(s, map[string]any{"quote": "hi"})
		require.NoError(t, err)
		_, present := out["score"]
		assert.False(t, present)
	})

	t.Run("explicit null on optional field is kept", func(t *testing.T) {
		out, err := validateInsertRow(s, map[string]any{"quote": "hi", "score": nil})
		require.NoError(t, err)
		v, present := out["score"]
		assert.True(t, present)
		assert.Nil(t, v)
	})

	t.Run("missing required field rejects", func(t *testing.T) {
		_, err := validateInsertRow(s, map[string]any{"score": json.Number("1")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required")
	})

	t.Run("null required field rejects", func(t *testing.T) {
		_, err := validateInsertRow(s, map[string]any{"quote": nil})
		require.Error(t, err)
	})

	t.Run("unknown field rejects", func(t *testing.T) {
		_, err := validateInsertRow(s, map[string]any{"quote": "hi", "bogus": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown field")
	})

	t.Run("engine-managed fields reject", func(t *testing.T) {
		for _, name := range []string{"id", "created_at", "updated_at"} {
			_, err := validateInsertRow(s, map[string]any{"quote": "hi", name: 1})
			require.Error(t, err, "field %s should be immutable", name)
			assert.Contains(t, err.Error(), "immutable")
		}
	})
}
