package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/config"
	"github.com/roseybot/rosey/pkg/events"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/models"
)

// Reply bodies as a plugin would decode them off the wire. The harness
// checks the envelope; these carry just the data fields.
type (
	insertReply struct {
		ID      int64 `json:"id"`
		Created bool  `json:"created"`
	}

	selectReply struct {
		Exists bool           `json:"exists"`
		Data   map[string]any `json:"data"`
	}

	updateReply struct {
		Updated int64 `json:"updated"`
		ID      int64 `json:"id"`
	}

	deleteReply struct {
		Deleted bool `json:"deleted"`
	}

	searchReply struct {
		Rows      []map[string]any `json:"rows"`
		Count     int              `json:"count"`
		Truncated bool             `json:"truncated"`
	}

	schemaListReply struct {
		Tables []struct {
			TableName string `json:"table_name"`
		} `json:"tables"`
		Count int `json:"count"`
	}
)

// userStats polls user stats without failing the test, so it can sit
// inside an Eventually condition.
func userStats(app *TestApp, username string) (models.UserStatsResponse, bool) {
	body, err := json.Marshal(models.UserStatsRequest{Username: username})
	if err != nil {
		return models.UserStatsResponse{}, false
	}
	reply, err := app.Bus.Request(bus.SubjectQueryUserStats, body, time.Second)
	if err != nil {
		return models.UserStatsResponse{}, false
	}
	var out models.UserStatsResponse
	if err := json.Unmarshal(reply, &out); err != nil {
		return models.UserStatsResponse{}, false
	}
	return out, true
}

// TestPluginLifecycle walks the path a plugin takes on first boot: declare
// a schema, write rows, read them back, mutate, stash state in KV, and
// finally clean up, all over the bus.
func TestPluginLifecycle(t *testing.T) {
	app := NewTestApp(t)

	registerSubject := bus.RowSubject("karma", "schema.register")
	schemaReq := models.SchemaRegisterRequest{
		Table: "scores",
		Schema: json.RawMessage(`{"fields": [
			{"name": "user", "type": "string", "required": true},
			{"name": "score", "type": "integer"}
		]}`),
	}
	var reg models.SchemaRegisterResponse
	app.RequestOK(registerSubject, schemaReq, &reg)
	assert.False(t, reg.AlreadyExists)

	// Declaring the same shape again is how plugins boot; it must not error.
	app.RequestOK(registerSubject, schemaReq, &reg)
	assert.True(t, reg.AlreadyExists)

	insertSubject := bus.RowSubject("karma", "insert")
	var alice insertReply
	app.RequestOK(insertSubject, models.RowInsertRequest{
		Table: "scores",
		Data:  json.RawMessage(`{"user": "alice", "score": 3}`),
	}, &alice)
	require.True(t, alice.Created)
	require.NotZero(t, alice.ID)

	var bob insertReply
	app.RequestOK(insertSubject, models.RowInsertRequest{
		Table: "scores",
		Data:  json.RawMessage(`{"user": "bob"}`),
	}, &bob)

	// An optional column the insert never set reads back as null.
	var got selectReply
	app.RequestOK(bus.RowSubject("karma", "select"), models.RowSelectRequest{
		Table: "scores", ID: &bob.ID,
	}, &got)
	require.True(t, got.Exists)
	assert.Equal(t, "bob", got.Data["user"])
	assert.Nil(t, got.Data["score"])

	var upd updateReply
	app.RequestOK(bus.RowSubject("karma", "update"), models.RowUpdateRequest{
		Table:  "scores",
		Filter: json.RawMessage(`{"user": {"$eq": "alice"}}`),
		Patch:  json.RawMessage(`{"score": {"$inc": 4}}`),
	}, &upd)
	assert.EqualValues(t, 1, upd.Updated)

	var board searchReply
	app.RequestOK(bus.RowSubject("karma", "search"), models.RowSearchRequest{
		Table: "scores",
		Sort:  json.RawMessage(`{"field": "score", "order": "desc"}`),
	}, &board)
	require.Equal(t, 2, board.Count)
	assert.Equal(t, "alice", board.Rows[0]["user"])
	assert.EqualValues(t, 7, board.Rows[0]["score"])
	assert.Equal(t, "bob", board.Rows[1]["user"])

	app.RequestOK(bus.SubjectKVSet, models.KVSetRequest{
		PluginName: "karma",
		Key:        "config:announce",
		Value:      json.RawMessage(`{"enabled": true}`),
	}, nil)

	var kvGot models.KVGetResponse
	app.RequestOK(bus.SubjectKVGet, models.KVGetRequest{
		PluginName: "karma", Key: "config:announce",
	}, &kvGot)
	require.True(t, kvGot.Exists)
	assert.JSONEq(t, `{"enabled": true}`, string(kvGot.Value))

	var keys models.KVListResponse
	app.RequestOK(bus.SubjectKVList, models.KVListRequest{
		PluginName: "karma", Prefix: "config:",
	}, &keys)
	assert.Equal(t, []string{"config:announce"}, keys.Keys)

	var del deleteReply
	app.RequestOK(bus.RowSubject("karma", "delete"), models.RowDeleteRequest{
		Table: "scores", ID: &bob.ID,
	}, &del)
	assert.True(t, del.Deleted)

	var listing schemaListReply
	app.RequestOK(bus.RowSubject("karma", "schema.list"), nil, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "scores", listing.Tables[0].TableName)

	var drop deleteReply
	app.RequestOK(bus.RowSubject("karma", "schema.delete"), models.SchemaDeleteRequest{
		Table: "scores",
	}, &drop)
	assert.True(t, drop.Deleted)

	app.RequestErr(insertSubject, models.RowInsertRequest{
		Table: "scores",
		Data:  json.RawMessage(`{"user": "carol"}`),
	}, models.CodeValidationError)
}

// Two plugins declaring the same table name must never see each other's
// rows or keys.
func TestPluginIsolation(t *testing.T) {
	app := NewTestApp(t)

	for _, plugin := range []string{"alpha", "beta"} {
		app.RequestOK(bus.RowSubject(plugin, "schema.register"), models.SchemaRegisterRequest{
			Table:  "notes",
			Schema: json.RawMessage(`{"fields": [{"name": "body", "type": "text", "required": true}]}`),
		}, nil)
	}

	app.RequestOK(bus.RowSubject("alpha", "insert"), models.RowInsertRequest{
		Table: "notes",
		Data:  json.RawMessage(`{"body": "alpha's note"}`),
	}, nil)

	var fromBeta searchReply
	app.RequestOK(bus.RowSubject("beta", "search"), models.RowSearchRequest{Table: "notes"}, &fromBeta)
	assert.Zero(t, fromBeta.Count)

	var fromAlpha searchReply
	app.RequestOK(bus.RowSubject("alpha", "search"), models.RowSearchRequest{Table: "notes"}, &fromAlpha)
	require.Equal(t, 1, fromAlpha.Count)
	assert.Equal(t, "alpha's note", fromAlpha.Rows[0]["body"])

	app.RequestOK(bus.SubjectKVSet, models.KVSetRequest{
		PluginName: "alpha", Key: "shared", Value: json.RawMessage(`1`),
	}, nil)
	var got models.KVGetResponse
	app.RequestOK(bus.SubjectKVGet, models.KVGetRequest{PluginName: "beta", Key: "shared"}, &got)
	assert.False(t, got.Exists)
}

func TestMigrationLifecycle(t *testing.T) {
	app := NewTestApp(t)

	app.WriteMigration("quotes", "001_create.sql", `-- UP
CREATE TABLE quotes_archive (id INTEGER PRIMARY KEY, body TEXT NOT NULL);
-- DOWN
DROP TABLE quotes_archive;
`)
	app.WriteMigration("quotes", "002_index.sql", `-- UP
CREATE INDEX idx_quotes_archive_body ON quotes_archive (body);
-- DOWN
DROP INDEX idx_quotes_archive_body;
`)

	var applied migrate.ApplyResult
	app.RequestOK(bus.MigrateSubject("quotes", "apply"), models.MigrateApplyRequest{
		AppliedBy: "release-cron",
	}, &applied)
	require.Len(t, applied.Applied, 2)
	assert.Equal(t, 1, applied.Applied[0].Version)
	assert.Equal(t, 2, applied.Applied[1].Version)
	assert.Equal(t, 2, applied.CurrentVersion)

	// The migrated table is live immediately.
	_, err := app.DB.DB().Exec(`INSERT INTO quotes_archive (body) VALUES ('stay awhile')`)
	require.NoError(t, err)

	var status migrate.StatusResult
	app.RequestOK(bus.MigrateSubject("quotes", "status"), nil, &status)
	assert.Equal(t, 2, status.CurrentVersion)
	assert.Empty(t, status.PendingMigrations)
	require.Len(t, status.AppliedMigrations, 2)
	assert.Equal(t, "release-cron", status.AppliedMigrations[0].AppliedBy)
	assert.Empty(t, status.Warnings)

	// Default rollback unwinds exactly one step.
	var rolled migrate.RollbackResult
	app.RequestOK(bus.MigrateSubject("quotes", "rollback"), models.MigrateRollbackRequest{}, &rolled)
	require.Len(t, rolled.RolledBack, 1)
	assert.Equal(t, 2, rolled.RolledBack[0].Version)
	assert.Equal(t, 1, rolled.CurrentVersion)

	var n int
	require.NoError(t, app.DB.DB().Get(&n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_quotes_archive_body'`))
	assert.Zero(t, n)

	app.RequestOK(bus.MigrateSubject("quotes", "status"), nil, &status)
	assert.Equal(t, 1, status.CurrentVersion)
	require.Len(t, status.PendingMigrations, 1)
	assert.Equal(t, 2, status.PendingMigrations[0].Version)
}

// TestChatSessionFlow drives the bot with scripted platform events and
// watches the writes land through the other side of the bus.
func TestChatSessionFlow(t *testing.T) {
	app := NewTestApp(t, WithBot())
	now := float64(time.Now().Unix())

	app.Platform.Emit(events.NewUserJoin(events.NewUserData("alice", 1.0, false, nil), now, nil))
	app.Eventually(func() bool {
		s, ok := userStats(app, "alice")
		return ok && s.Found && s.InSession
	}, "join should open a session")

	for i, line := range []string{"hello", "anyone here?", "guess not"} {
		app.Platform.Emit(events.NewMessage("alice", line, now+float64(i+1), nil))
	}
	// The bot's own echo never reaches the transcript.
	app.Platform.Emit(events.NewMessage("rosey", "beep boop", now+4, nil))

	app.Eventually(func() bool {
		s, ok := userStats(app, "alice")
		return ok && s.TotalChatLines == 3
	}, "chat lines should accrue to alice")

	var recent models.RecentChatResponse
	app.RequestOK(bus.SubjectRecentChatGet, models.RecentChatRequest{Limit: 10}, &recent)
	require.Len(t, recent.Messages, 3)
	assert.Equal(t, "hello", recent.Messages[0].Message)
	assert.Equal(t, "guess not", recent.Messages[2].Message)
	for _, m := range recent.Messages {
		assert.Equal(t, "alice", m.Username)
	}

	app.Platform.Emit(events.NewUserLeave("alice", nil, now+5, nil))
	app.Eventually(func() bool {
		s, ok := userStats(app, "alice")
		return ok && s.Found && !s.InSession
	}, "leave should close the session")

	// A roster replay after reconnect reopens sessions in bulk.
	roster := []events.UserData{
		events.NewUserData("bob", 1.0, false, nil),
		events.NewUserData("carol", 2.0, false, nil),
	}
	app.Platform.Emit(events.NewUserList(roster, nil))
	app.Eventually(func() bool {
		b, okB := userStats(app, "bob")
		c, okC := userStats(app, "carol")
		return okB && okC && b.InSession && c.InSession
	}, "roster replay should open sessions")

	var channel models.ChannelStatsResponse
	app.RequestOK(bus.SubjectQueryChannelStat, nil, &channel)
	assert.Equal(t, 2, channel.HighWaterMark)
	assert.EqualValues(t, 3, channel.TotalUsersSeen)
	require.NotEmpty(t, channel.TopChatters)
	assert.Equal(t, "alice", channel.TopChatters[0].Username)
	assert.EqualValues(t, 3, channel.TopChatters[0].ChatLines)
}

func TestBotStatusFlow(t *testing.T) {
	app := NewTestApp(t, WithBot())
	ctx := context.Background()
	now := float64(time.Now().Unix())

	app.Platform.Emit(events.NewConnected(now))
	app.Eventually(func() bool {
		snap, err := app.Status.Get(ctx)
		return err == nil && snap.BotConnected != nil && *snap.BotConnected
	}, "connect should mark the bot online")

	snap, err := app.Status.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.BotName)
	assert.Equal(t, "rosey", *snap.BotName)

	app.Platform.Emit(events.NewDisconnected("read: connection reset", now+1))
	app.Eventually(func() bool {
		snap, err := app.Status.Get(ctx)
		return err == nil && snap.BotConnected != nil && !*snap.BotConnected
	}, "disconnect should mark the bot offline")
}

// TestOutboundDelivery covers the full loop: a service enqueues a line, the
// bot's processor fetches it over the bus, pushes it out the platform, and
// the sent mark retires the row.
func TestOutboundDelivery(t *testing.T) {
	app := NewTestApp(t, WithBotConfig(func(cfg *config.Bot) {
		cfg.OutboundTick = 20 * time.Millisecond
	}))
	ctx := context.Background()

	_, err := app.Outbound.Enqueue(ctx, "first announcement")
	require.NoError(t, err)
	_, err = app.Outbound.Enqueue(ctx, "second announcement")
	require.NoError(t, err)

	app.Eventually(func() bool {
		return len(app.Platform.SentLines()) == 2
	}, "queued lines should reach the platform")
	assert.Equal(t, []string{"first announcement", "second announcement"}, app.Platform.SentLines())

	app.Eventually(func() bool {
		n, err := app.Outbound.PendingCount(ctx, 3)
		return err == nil && n == 0
	}, "delivered messages should leave the queue")
}

// The sweeper must physically remove expired keys, not just hide them.
func TestKVExpiry(t *testing.T) {
	app := NewTestApp(t, WithSweeper(25*time.Millisecond))

	ttl := int64(1)
	app.RequestOK(bus.SubjectKVSet, models.KVSetRequest{
		PluginName: "reminders",
		Key:        "session:alice",
		Value:      json.RawMessage(`"soon"`),
		TTLSeconds: &ttl,
	}, nil)
	app.RequestOK(bus.SubjectKVSet, models.KVSetRequest{
		PluginName: "reminders",
		Key:        "config:zone",
		Value:      json.RawMessage(`"UTC"`),
	}, nil)

	var fresh models.KVGetResponse
	app.RequestOK(bus.SubjectKVGet, models.KVGetRequest{
		PluginName: "reminders", Key: "session:alice",
	}, &fresh)
	require.True(t, fresh.Exists)

	app.Eventually(func() bool {
		var n int
		if err := app.DB.DB().Get(&n, `SELECT COUNT(*) FROM plugin_kv`); err != nil {
			return false
		}
		return n == 1
	}, "sweeper should purge the expired key")

	var expired models.KVGetResponse
	app.RequestOK(bus.SubjectKVGet, models.KVGetRequest{
		PluginName: "reminders", Key: "session:alice",
	}, &expired)
	assert.False(t, expired.Exists)

	var kept models.KVGetResponse
	app.RequestOK(bus.SubjectKVGet, models.KVGetRequest{
		PluginName: "reminders", Key: "config:zone",
	}, &kept)
	assert.True(t, kept.Exists)
}
