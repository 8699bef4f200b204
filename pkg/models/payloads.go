package models

import "encoding/json"

// Pub/sub payloads (fire-and-forget state writes).

// UserJoined is published when a user enters the channel.
type UserJoined struct {
	Username string `json:"username"`
}

// UserLeft is published when a user leaves the channel.
type UserLeft struct {
	Username string `json:"username"`
}

// MessageLog is published for every chat line.
type MessageLog struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// UserCount is the periodic chat/connected sample.
type UserCount struct {
	ChatCount      int `json:"chat_count"`
	ConnectedCount int `json:"connected_count"`
}

// HighWater proposes new channel maximums. ConnectedCount is optional; a
// chat-only observation omits it.
type HighWater struct {
	ChatCount      int  `json:"chat_count"`
	ConnectedCount *int `json:"connected_count,omitempty"`
}

// StatusUpdate carries a partial snapshot of bot/channel state. Keys outside
// the allowed status fields are dropped by the service.
type StatusUpdate struct {
	StatusData map[string]json.RawMessage `json:"status_data"`
}

// MarkSent reports successful (or terminally failed) delivery of an
// outbound message.
type MarkSent struct {
	MessageID int64 `json:"message_id"`
}

// MarkFailed reports a delivery failure. Permanent failures retire the
// message; transient ones increment its retry count for backoff.
type MarkFailed struct {
	MessageID int64  `json:"message_id"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

// PMCommandResult values.
const (
	PMResultPending = "pending"
	PMResultSuccess = "success"
	PMResultError   = "error"
)

// PMCommand is the audit record for a command received via private message.
type PMCommand struct {
	Timestamp float64  `json:"timestamp"`
	Username  string   `json:"username"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Result    string   `json:"result"`
	Error     string   `json:"error,omitempty"`
}

// Request/reply payloads.

// OutboundGetRequest asks for the next batch of unsent messages.
type OutboundGetRequest struct {
	Limit      int `json:"limit,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`
}

// OutboundMessage is one deliverable row from the outbound queue.
type OutboundMessage struct {
	ID         int64   `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Message    string  `json:"message"`
	RetryCount int     `json:"retry_count"`
	LastError  *string `json:"last_error,omitempty"`
}

// OutboundGetResponse wraps the deliverable batch.
type OutboundGetResponse struct {
	Messages []OutboundMessage `json:"messages"`
}

// RecentChatRequest asks for the newest chat lines.
type RecentChatRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ChatLine is one logged chat message.
type ChatLine struct {
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	Message   string `json:"message"`
}

// RecentChatResponse wraps the newest chat lines in transcript order,
// oldest of the window first.
type RecentChatResponse struct {
	Messages []ChatLine `json:"messages"`
}

// TopChatter pairs a username with its lifetime line count.
type TopChatter struct {
	Username  string `json:"username"`
	ChatLines int64  `json:"chat_lines"`
}

// ChannelStatsResponse is the reply to query.channel_stats.
type ChannelStatsResponse struct {
	HighWaterMark      int          `json:"high_water_mark"`
	HighWaterConnected int          `json:"high_water_connected"`
	TopChatters        []TopChatter `json:"top_chatters"`
	TotalUsersSeen     int64        `json:"total_users_seen"`
}

// UserStatsRequest asks for one user's lifetime stats.
type UserStatsRequest struct {
	Username string `json:"username"`
}

// UserStatsResponse is the reply to query.user_stats. Found=false means the
// user has never been seen; the remaining fields are then zero.
type UserStatsResponse struct {
	Found              bool   `json:"found"`
	Username           string `json:"username,omitempty"`
	FirstSeen          string `json:"first_seen,omitempty"`
	LastSeen           string `json:"last_seen,omitempty"`
	TotalChatLines     int64  `json:"total_chat_lines,omitempty"`
	TotalTimeConnected int64  `json:"total_time_connected,omitempty"`
	InSession          bool   `json:"in_session,omitempty"`
}

// KV payloads.

// KVSetRequest stores a JSON value under (plugin, key).
type KVSetRequest struct {
	PluginName string          `json:"plugin_name"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds *int64          `json:"ttl_seconds,omitempty"`
}

// KVGetRequest fetches the value for (plugin, key).
type KVGetRequest struct {
	PluginName string `json:"plugin_name"`
	Key        string `json:"key"`
}

// KVGetResponse carries the stored value when it exists and is unexpired.
type KVGetResponse struct {
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// KVDeleteRequest removes (plugin, key).
type KVDeleteRequest struct {
	PluginName string `json:"plugin_name"`
	Key        string `json:"key"`
}

// KVDeleteResponse reports whether a row was removed.
type KVDeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// KVListRequest enumerates keys for a plugin, optionally by prefix.
type KVListRequest struct {
	PluginName string `json:"plugin_name"`
	Prefix     string `json:"prefix,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// KVListResponse carries keys in lexicographic order. Truncated is true iff
// exactly Limit keys were returned.
type KVListResponse struct {
	Keys      []string `json:"keys"`
	Count     int      `json:"count"`
	Truncated bool     `json:"truncated"`
}

// Row-operation payloads. The plugin name comes from the subject, so the
// request bodies carry only the table and operation arguments.

// SchemaRegisterRequest declares a new row table.
type SchemaRegisterRequest struct {
	Table  string          `json:"table"`
	Schema json.RawMessage `json:"schema"`
}

// SchemaRegisterResponse acknowledges registration. AlreadyExists means the
// pair was registered before and nothing changed.
type SchemaRegisterResponse struct {
	AlreadyExists bool `json:"already_exists,omitempty"`
}

// SchemaDeleteRequest drops a registered table and its data.
type SchemaDeleteRequest struct {
	Table string `json:"table"`
}

// RowInsertRequest inserts one object or, with a JSON array, a transactional
// batch.
type RowInsertRequest struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// RowSelectRequest fetches a row by id.
type RowSelectRequest struct {
	Table string `json:"table"`
	ID    *int64 `json:"id"`
}

// RowUpdateRequest patches rows, either by id ({table, id, data}) or by
// filter ({table, filter, patch}).
type RowUpdateRequest struct {
	Table  string          `json:"table"`
	ID     *int64          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Filter json.RawMessage `json:"filter,omitempty"`
	Patch  json.RawMessage `json:"patch,omitempty"`
}

// RowDeleteRequest removes a row by id.
type RowDeleteRequest struct {
	Table string `json:"table"`
	ID    *int64 `json:"id"`
}

// RowSearchRequest queries rows with the filter language. Sort is decoded by
// the row engine.
type RowSearchRequest struct {
	Table   string          `json:"table"`
	Filters json.RawMessage `json:"filters,omitempty"`
	Sort    json.RawMessage `json:"sort,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// Migration payloads.

// MigrateApplyRequest runs pending migrations. Version is accepted as an
// alias for TargetVersion.
type MigrateApplyRequest struct {
	TargetVersion *int   `json:"target_version,omitempty"`
	Version       *int   `json:"version,omitempty"`
	AppliedBy     string `json:"applied_by,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

// MigrateRollbackRequest unwinds applied migrations down to Version; absent,
// it rolls back a single step.
type MigrateRollbackRequest struct {
	Version   *int   `json:"version,omitempty"`
	AppliedBy string `json:"applied_by,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}
