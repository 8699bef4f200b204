package migrate

import (
	"fmt"
	"regexp"
	"strings"
)

// Issue is one finding from the pre-apply validator. Errors abort the batch
// before anything runs; warnings are surfaced in the response and the batch
// proceeds.
type Issue struct {
	Severity string // "ERROR" or "WARNING"
	Version  int
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("migration %d: %s", i.Version, i.Message)
}

// systemTables are owned by the service itself. Plugin migrations that touch
// them would corrupt accounting shared by every plugin, so the validator
// refuses them outright.
var systemTables = []string{
	"chat_user_stats",
	"channel_stats",
	"user_count_history",
	"recent_chat",
	"user_actions",
	"outbound_messages",
	"api_tokens",
	"current_status",
	"plugin_table_schemas",
	"plugin_kv",
	"plugin_schema_migrations",
	"schema_migrations",
}

var systemTableRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(systemTables))
	for i, name := range systemTables {
		res[i] = regexp.MustCompile(`(?i)\b` + name + `\b`)
	}
	return res
}()

// validateBatch inspects every pending migration before any is applied.
func validateBatch(migrations []Migration) []Issue {
	var issues []Issue
	for _, m := range migrations {
		issues = append(issues, validateOne(m)...)
	}
	return issues
}

func validateOne(m Migration) []Issue {
	var issues []Issue

	if m.UpSQL == "" {
		issues = append(issues, Issue{
			Severity: "ERROR",
			Version:  m.Version,
			Message:  fmt.Sprintf("%s has no -- UP section", m.label()),
		})
	}
	if m.DownSQL == "" {
		issues = append(issues, Issue{
			Severity: "WARNING",
			Version:  m.Version,
			Message:  fmt.Sprintf("%s has no -- DOWN section and cannot be rolled back", m.label()),
		})
	}

	for i, re := range systemTableRes {
		if re.MatchString(m.UpSQL) || re.MatchString(m.DownSQL) {
			issues = append(issues, Issue{
				Severity: "ERROR",
				Version:  m.Version,
				Message:  fmt.Sprintf("%s references system table %s", m.label(), systemTables[i]),
			})
		}
	}

	issues = append(issues, destructiveWarnings(m)...)
	return issues
}

// destructiveWarnings flags statements that discard data. The scan is
// lexical, per semicolon-separated statement; it cannot prove intent, only
// surface it.
func destructiveWarnings(m Migration) []Issue {
	var issues []Issue
	for _, stmt := range strings.Split(m.UpSQL, ";") {
		upper := strings.ToUpper(stmt)
		switch {
		case strings.Contains(upper, "DROP TABLE"):
			issues = append(issues, warning(m, "drops a table"))
		case strings.Contains(upper, "DROP COLUMN"):
			issues = append(issues, warning(m, "drops a column"))
		case strings.Contains(upper, "TRUNCATE"):
			issues = append(issues, warning(m, "truncates a table"))
		case strings.Contains(upper, "DELETE FROM") && !strings.Contains(upper, "WHERE"):
			issues = append(issues, warning(m, "deletes rows without a WHERE clause"))
		}
	}
	return issues
}

func warning(m Migration, what string) Issue {
	return Issue{
		Severity: "WARNING",
		Version:  m.Version,
		Message:  fmt.Sprintf("%s %s", m.label(), what),
	}
}

// partition splits issues by severity into abort conditions and advisories.
func partition(issues []Issue) (errors []Issue, warnings []string) {
	for _, issue := range issues {
		if issue.Severity == "ERROR" {
			errors = append(errors, issue)
		} else {
			warnings = append(warnings, issue.Message)
		}
	}
	return errors, warnings
}
