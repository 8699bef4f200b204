package bus

import (
	"fmt"
	"strings"
)

// Root is the prefix every subject in the taxonomy hangs off.
const Root = "rosey.db"

// Pub/sub subjects (fire-and-forget state writes).
const (
	SubjectUserJoined         = Root + ".user.joined"
	SubjectUserLeft           = Root + ".user.left"
	SubjectMessageLog         = Root + ".message.log"
	SubjectStatsUserCount     = Root + ".stats.user_count"
	SubjectStatsHighWater     = Root + ".stats.high_water"
	SubjectStatusUpdate       = Root + ".status.update"
	SubjectOutboundMarkSent   = Root + ".messages.outbound.mark_sent"
	SubjectOutboundMarkFailed = Root + ".messages.outbound.mark_failed"
	SubjectActionPMCommand    = Root + ".action.pm_command"
)

// Request/reply subjects (queries and transactional operations).
const (
	SubjectOutboundGet      = Root + ".messages.outbound.get"
	SubjectRecentChatGet    = Root + ".stats.recent_chat.get"
	SubjectQueryChannelStat = Root + ".query.channel_stats"
	SubjectQueryUserStats   = Root + ".query.user_stats"
	SubjectKVSet            = Root + ".kv.set"
	SubjectKVGet            = Root + ".kv.get"
	SubjectKVDelete         = Root + ".kv.delete"
	SubjectKVList           = Root + ".kv.list"
)

// Wildcard patterns for the per-plugin row and migration subjects. The
// single-token wildcard binds the plugin name at position 4.
const (
	PatternRowSchemaRegister = Root + ".row.*.schema.register"
	PatternRowSchemaList     = Root + ".row.*.schema.list"
	PatternRowSchemaDelete   = Root + ".row.*.schema.delete"
	PatternRowInsert         = Root + ".row.*.insert"
	PatternRowSelect         = Root + ".row.*.select"
	PatternRowUpdate         = Root + ".row.*.update"
	PatternRowDelete         = Root + ".row.*.delete"
	PatternRowSearch         = Root + ".row.*.search"
	PatternMigrateApply      = Root + ".migrate.*.apply"
	PatternMigrateRollback   = Root + ".migrate.*.rollback"
	PatternMigrateStatus     = Root + ".migrate.*.status"
)

// RowSubject builds the concrete subject for a plugin row operation, e.g.
// RowSubject("quotes", "insert") -> "rosey.db.row.quotes.insert".
func RowSubject(plugin, op string) string {
	return fmt.Sprintf("%s.row.%s.%s", Root, plugin, op)
}

// MigrateSubject builds the concrete subject for a plugin migration
// operation.
func MigrateSubject(plugin, op string) string {
	return fmt.Sprintf("%s.migrate.%s.%s", Root, plugin, op)
}

// PluginFromSubject extracts the plugin name from a row or migration
// subject: token 4 of "rosey.db.row.{plugin}.<op>" and
// "rosey.db.migrate.{plugin}.<op>". An empty string means the subject is
// malformed and the dispatcher must answer INVALID_SUBJECT.
func PluginFromSubject(subject string) string {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 5 {
		return ""
	}
	if tokens[0] != "rosey" || tokens[1] != "db" {
		return ""
	}
	if tokens[2] != "row" && tokens[2] != "migrate" {
		return ""
	}
	return tokens[3]
}
