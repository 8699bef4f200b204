package bus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowSubject(t *testing.T) {
	assert.Equal(t, "rosey.db.row.quotes.insert", RowSubject("quotes", "insert"))
	assert.Equal(t, "rosey.db.row.quotes.schema.register", RowSubject("quotes", "schema.register"))
	assert.Equal(t, "rosey.db.migrate.quotes.apply", MigrateSubject("quotes", "apply"))
}

func TestPluginFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"rosey.db.row.quotes.insert", "quotes"},
		{"rosey.db.row.quotes.schema.register", "quotes"},
		{"rosey.db.migrate.karma.status", "karma"},
		{"rosey.db.row..insert", ""},
		{"rosey.db.row.quotes", ""},
		{"rosey.db.kv.set", ""},
		{"other.db.row.quotes.insert", ""},
		{"rosey.events.row.quotes.insert", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PluginFromSubject(tt.subject), "subject %q", tt.subject)
	}
}

// Wildcard patterns and the builders must stay in lockstep: a subject built
// for an op has to land on the pattern the server subscribed for that op.
func TestBuildersMatchPatterns(t *testing.T) {
	match := func(pattern, subject string) bool {
		pt := strings.Split(pattern, ".")
		st := strings.Split(subject, ".")
		if len(pt) != len(st) {
			return false
		}
		for i := range pt {
			if pt[i] != "*" && pt[i] != st[i] {
				return false
			}
		}
		return true
	}

	cases := []struct {
		pattern string
		subject string
	}{
		{PatternRowSchemaRegister, RowSubject("p1", "schema.register")},
		{PatternRowSchemaList, RowSubject("p1", "schema.list")},
		{PatternRowSchemaDelete, RowSubject("p1", "schema.delete")},
		{PatternRowInsert, RowSubject("p1", "insert")},
		{PatternRowSelect, RowSubject("p1", "select")},
		{PatternRowUpdate, RowSubject("p1", "update")},
		{PatternRowDelete, RowSubject("p1", "delete")},
		{PatternRowSearch, RowSubject("p1", "search")},
		{PatternMigrateApply, MigrateSubject("p1", "apply")},
		{PatternMigrateRollback, MigrateSubject("p1", "rollback")},
		{PatternMigrateStatus, MigrateSubject("p1", "status")},
	}
	for _, c := range cases {
		assert.True(t, match(c.pattern, c.subject), "%s should match %s", c.subject, c.pattern)
	}
}
