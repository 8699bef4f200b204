package e2e

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/config"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/models"
)

func tableExists(app *TestApp, name string) bool {
	var n int
	if err := app.DB.DB().Get(&n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name); err != nil {
		return false
	}
	return n > 0
}

// Every failure class answers with the same envelope shape: success false
// plus a machine-readable code and a human-readable message.
func TestErrorEnvelopes(t *testing.T) {
	app := NewTestApp(t)

	t.Run("invalid json", func(t *testing.T) {
		reply, err := app.Bus.Request(bus.SubjectKVSet, []byte(`{not json`), 2*time.Second)
		require.NoError(t, err)
		env, err := models.ParseEnvelope(reply)
		require.NoError(t, err)
		require.False(t, env.Success)
		assert.Equal(t, models.CodeInvalidJSON, env.Error.Code)
		assert.NotEmpty(t, env.Error.Message)
	})

	t.Run("missing field", func(t *testing.T) {
		msg := app.RequestErr(bus.SubjectKVSet, models.KVSetRequest{
			PluginName: "pager",
			Value:      json.RawMessage(`1`),
		}, models.CodeMissingField)
		assert.Contains(t, msg, "key")
	})

	t.Run("oversized kv value", func(t *testing.T) {
		payload, err := json.Marshal(strings.Repeat("x", 65*1024))
		require.NoError(t, err)
		app.RequestErr(bus.SubjectKVSet, models.KVSetRequest{
			PluginName: "pager",
			Key:        "blob",
			Value:      payload,
		}, models.CodeValueTooLarge)
	})

	t.Run("unregistered table", func(t *testing.T) {
		app.RequestErr(bus.RowSubject("ghost", "insert"), models.RowInsertRequest{
			Table: "rows",
			Data:  json.RawMessage(`{"a": 1}`),
		}, models.CodeValidationError)
	})

	t.Run("unhandled subject times out", func(t *testing.T) {
		_, err := app.Bus.Request("rosey.db.nothing.here", nil, 50*time.Millisecond)
		assert.ErrorIs(t, err, bus.ErrTimeout)
	})
}

// A dry run must exercise the SQL and report the plan while leaving the
// schema and the ledger exactly as they were.
func TestDryRunLeavesNoTrace(t *testing.T) {
	app := NewTestApp(t)

	app.WriteMigration("vault", "001_create.sql", `-- UP
CREATE TABLE vault_items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
INSERT INTO vault_items (name) VALUES ('seed');
-- DOWN
DROP TABLE vault_items;
`)

	var dry migrate.ApplyResult
	app.RequestOK(bus.MigrateSubject("vault", "apply"), models.MigrateApplyRequest{
		DryRun: true,
	}, &dry)
	require.Len(t, dry.Applied, 1)
	assert.Equal(t, 0, dry.CurrentVersion)
	assert.False(t, tableExists(app, "vault_items"))

	var status migrate.StatusResult
	app.RequestOK(bus.MigrateSubject("vault", "status"), nil, &status)
	assert.Equal(t, 0, status.CurrentVersion)
	assert.Empty(t, status.AppliedMigrations)
	require.Len(t, status.PendingMigrations, 1)

	var applied migrate.ApplyResult
	app.RequestOK(bus.MigrateSubject("vault", "apply"), models.MigrateApplyRequest{}, &applied)
	assert.Equal(t, 1, applied.CurrentVersion)
	require.True(t, tableExists(app, "vault_items"))
	var seeded int
	require.NoError(t, app.DB.DB().Get(&seeded, `SELECT COUNT(*) FROM vault_items`))
	assert.Equal(t, 1, seeded)

	var dryRolled migrate.RollbackResult
	app.RequestOK(bus.MigrateSubject("vault", "rollback"), models.MigrateRollbackRequest{
		DryRun: true,
	}, &dryRolled)
	require.Len(t, dryRolled.RolledBack, 1)
	assert.Equal(t, 1, dryRolled.CurrentVersion)
	assert.True(t, tableExists(app, "vault_items"))

	var rolled migrate.RollbackResult
	app.RequestOK(bus.MigrateSubject("vault", "rollback"), models.MigrateRollbackRequest{}, &rolled)
	assert.Equal(t, 0, rolled.CurrentVersion)
	assert.False(t, tableExists(app, "vault_items"))
}

// Status compares ledger checksums against the files on disk. Line-ending
// churn is not drift; edits and deletions are.
func TestChecksumDriftWarnings(t *testing.T) {
	app := NewTestApp(t)

	const original = `-- UP
CREATE TABLE drift_rows (id INTEGER PRIMARY KEY);
-- DOWN
DROP TABLE drift_rows;
`
	app.WriteMigration("drift", "001_base.sql", original)
	app.RequestOK(bus.MigrateSubject("drift", "apply"), models.MigrateApplyRequest{}, nil)

	// A CRLF rewrite of the same content must not register as a change.
	app.WriteMigration("drift", "001_base.sql", strings.ReplaceAll(original, "\n", "\r\n"))
	var status migrate.StatusResult
	app.RequestOK(bus.MigrateSubject("drift", "status"), nil, &status)
	assert.Empty(t, status.Warnings)

	app.WriteMigration("drift", "001_base.sql", `-- UP
CREATE TABLE drift_rows (id INTEGER PRIMARY KEY, extra TEXT);
-- DOWN
DROP TABLE drift_rows;
`)
	app.RequestOK(bus.MigrateSubject("drift", "status"), nil, &status)
	require.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "has changed since it was applied")

	require.NoError(t, os.Remove(filepath.Join(app.PluginRoot, "drift", "migrations", "001_base.sql")))
	app.RequestOK(bus.MigrateSubject("drift", "status"), nil, &status)
	require.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "missing")
}

// A bulk insert with one bad element must leave nothing behind.
func TestBulkInsertIsAtomic(t *testing.T) {
	app := NewTestApp(t)

	app.RequestOK(bus.RowSubject("inventory", "schema.register"), models.SchemaRegisterRequest{
		Table:  "items",
		Schema: json.RawMessage(`{"fields": [{"name": "sku", "type": "string", "required": true}]}`),
	}, nil)

	app.RequestErr(bus.RowSubject("inventory", "insert"), models.RowInsertRequest{
		Table: "items",
		Data:  json.RawMessage(`[{"sku": "a-1"}, {"sku": "a-2"}, {"note": "no sku"}]`),
	}, models.CodeValidationError)

	var res searchReply
	app.RequestOK(bus.RowSubject("inventory", "search"), models.RowSearchRequest{Table: "items"}, &res)
	assert.Zero(t, res.Count)
}

// A transient send failure bumps the retry counter and parks the message in
// backoff instead of retrying hot.
func TestOutboundRetryBackoff(t *testing.T) {
	app := NewTestApp(t, WithBotConfig(func(cfg *config.Bot) {
		cfg.OutboundTick = 20 * time.Millisecond
	}))
	ctx := context.Background()

	app.Platform.FailSends(errors.New("write: broken pipe"))
	id, err := app.Outbound.Enqueue(ctx, "doomed for now")
	require.NoError(t, err)

	app.Eventually(func() bool {
		var n int
		if err := app.DB.DB().Get(&n,
			`SELECT retry_count FROM outbound_messages WHERE id = ?`, id); err != nil {
			return false
		}
		return n == 1
	}, "transient failure should bump retry_count once")

	// The first retry slot is a minute out, so even with sends healthy
	// again the row stays parked.
	app.Platform.FailSends(nil)
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, app.Platform.SentLines())
	var sent int
	require.NoError(t, app.DB.DB().Get(&sent,
		`SELECT sent FROM outbound_messages WHERE id = ?`, id))
	assert.Zero(t, sent)

	// Still pending from the queue's point of view.
	n, err := app.Outbound.PendingCount(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// A platform rejection retires the message outright; no retries, no
// delivery.
func TestOutboundPermanentFailure(t *testing.T) {
	app := NewTestApp(t, WithBotConfig(func(cfg *config.Bot) {
		cfg.OutboundTick = 20 * time.Millisecond
	}))
	ctx := context.Background()

	app.Platform.FailSends(&websocket.CloseError{
		Code: websocket.ClosePolicyViolation,
		Text: "rejected by moderation",
	})
	id, err := app.Outbound.Enqueue(ctx, "never going out")
	require.NoError(t, err)

	app.Eventually(func() bool {
		var sent int
		if err := app.DB.DB().Get(&sent,
			`SELECT sent FROM outbound_messages WHERE id = ?`, id); err != nil {
			return false
		}
		return sent == 1
	}, "policy rejection should retire the message")

	assert.Empty(t, app.Platform.SentLines())
	var lastErr sql.NullString
	require.NoError(t, app.DB.DB().Get(&lastErr,
		`SELECT last_error FROM outbound_messages WHERE id = ?`, id))
	require.True(t, lastErr.Valid)
	assert.Contains(t, lastErr.String, "rejected by moderation")
}

// While the platform link is down the processor must not touch the queue;
// reconnecting flushes it.
func TestDisconnectedPlatformParksQueue(t *testing.T) {
	app := NewTestApp(t, WithBotConfig(func(cfg *config.Bot) {
		cfg.OutboundTick = 20 * time.Millisecond
	}))
	ctx := context.Background()

	app.Platform.SetConnected(false)
	_, err := app.Outbound.Enqueue(ctx, "hold until reconnect")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, app.Platform.SentLines())

	// No attempt was made, so the retry counter is untouched.
	var retries int
	require.NoError(t, app.DB.DB().Get(&retries,
		`SELECT retry_count FROM outbound_messages`))
	assert.Zero(t, retries)

	app.Platform.SetConnected(true)
	app.Eventually(func() bool {
		lines := app.Platform.SentLines()
		return len(lines) == 1 && lines[0] == "hold until reconnect"
	}, "reconnect should flush the parked queue")
}
