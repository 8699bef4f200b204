// Package e2e boots the full service assembly over an in-process bus: the
// dispatcher with every engine behind it, and optionally a bot wired to a
// scripted platform. Tests speak the same subjects and payloads plugins do.
package e2e

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/bot"
	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/config"
	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/kv"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/rows"
	"github.com/roseybot/rosey/pkg/schema"
	"github.com/roseybot/rosey/pkg/server"
	"github.com/roseybot/rosey/pkg/services"
	testbus "github.com/roseybot/rosey/test/bus"
	testdb "github.com/roseybot/rosey/test/database"
)

// TestApp is a complete rosey instance on an in-process bus.
type TestApp struct {
	Bus    *testbus.Conn
	DB     *database.Client
	Server *server.Server

	Users    *services.UserService
	Chat     *services.ChatService
	Stats    *services.StatsService
	Outbound *services.OutboundService
	Status   *services.StatusService
	KVStore  *kv.Store

	// PluginRoot is where migration files for test plugins go:
	// <PluginRoot>/<plugin>/migrations/NNN_name.sql.
	PluginRoot string

	// Bot wiring, present only with WithBot.
	Bot      *bot.Bot
	Platform *ScriptedPlatform

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	sweepInterval time.Duration
	lockTimeout   time.Duration
	withBot       bool
	botConfig     func(*config.Bot)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithSweeper starts the KV TTL sweeper at the given interval.
func WithSweeper(interval time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.sweepInterval = interval }
}

// WithLockTimeout overrides the migration lock acquire timeout.
func WithLockTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.lockTimeout = d }
}

// WithBot attaches a bot backed by a scripted platform to the same bus.
func WithBot() TestAppOption {
	return func(c *testAppConfig) { c.withBot = true }
}

// WithBotConfig adjusts the bot's configuration before it starts. Implies
// WithBot.
func WithBotConfig(fn func(*config.Bot)) TestAppOption {
	return func(c *testAppConfig) {
		c.withBot = true
		c.botConfig = fn
	}
}

// NewTestApp creates and starts a full rosey test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})

	tc := &testAppConfig{lockTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(tc)
	}

	conn := testbus.New()
	client := testdb.NewTestClient(t)
	db := client.DB()
	pluginRoot := t.TempDir()

	registry := schema.NewRegistry(db)
	users := services.NewUserService(db)

	app := &TestApp{
		Bus:        conn,
		DB:         client,
		Users:      users,
		Chat:       services.NewChatService(db),
		Stats:      services.NewStatsService(db, users),
		Outbound:   services.NewOutboundService(db),
		Status:     services.NewStatusService(db),
		KVStore:    kv.NewStore(db),
		PluginRoot: pluginRoot,
		t:          t,
	}

	app.Server = server.New(server.Deps{
		Conn:       conn,
		Users:      app.Users,
		Chat:       app.Chat,
		Stats:      app.Stats,
		Outbound:   app.Outbound,
		Status:     app.Status,
		Actions:    services.NewActionService(db),
		KV:         app.KVStore,
		Registry:   registry,
		Rows:       rows.NewEngine(db, registry),
		Migrations: migrate.NewEngine(db, pluginRoot, tc.lockTimeout),
	})

	ctx := context.Background()
	require.NoError(t, app.Server.Start(ctx))
	t.Cleanup(app.Server.Stop)

	if tc.sweepInterval > 0 {
		sweeper := kv.NewSweeper(app.KVStore, tc.sweepInterval)
		sweeper.Start(ctx)
		t.Cleanup(sweeper.Stop)
	}

	if tc.withBot {
		cfg := config.DefaultBot()
		cfg.PlatformURL = "ws://127.0.0.1:1/socket"
		cfg.Channel = "lobby"
		cfg.BotName = "rosey"
		// Keep the periodic loops quiet unless a test opts in.
		cfg.UserCountInterval = time.Hour
		cfg.StatusInterval = time.Hour
		cfg.OutboundTick = time.Hour
		if tc.botConfig != nil {
			tc.botConfig(cfg)
		}

		app.Platform = NewScriptedPlatform()
		app.Bot = bot.New(cfg, conn, app.Platform)
		app.Bot.Start(ctx)
		t.Cleanup(app.Bot.Stop)
	}

	return app
}

// WriteMigration drops a migration file under the plugin's directory.
func (app *TestApp) WriteMigration(plugin, name, body string) {
	app.t.Helper()
	dir := filepath.Join(app.PluginRoot, plugin, "migrations")
	require.NoError(app.t, os.MkdirAll(dir, 0o755))
	require.NoError(app.t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

// Request round-trips one request over the bus without interpreting the
// reply envelope.
func (app *TestApp) Request(subject string, payload any) []byte {
	app.t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(app.t, err)
	}
	reply, err := app.Bus.Request(subject, body, 2*time.Second)
	require.NoError(app.t, err)
	return reply
}

// RequestOK asserts a success envelope and decodes the reply into out.
func (app *TestApp) RequestOK(subject string, payload, out any) {
	app.t.Helper()
	reply := app.Request(subject, payload)
	env, err := models.ParseEnvelope(reply)
	require.NoError(app.t, err)
	require.True(app.t, env.Success, "reply: %s", reply)
	if out != nil {
		require.NoError(app.t, json.Unmarshal(reply, out))
	}
}

// RequestErr asserts a failure envelope carrying the given code and returns
// its message.
func (app *TestApp) RequestErr(subject string, payload any, code models.ErrorCode) string {
	app.t.Helper()
	reply := app.Request(subject, payload)
	env, err := models.ParseEnvelope(reply)
	require.NoError(app.t, err)
	require.False(app.t, env.Success, "reply: %s", reply)
	require.NotNil(app.t, env.Error)
	assert.Equal(app.t, code, env.Error.Code)
	return env.Error.Message
}

// Publish sends a fire-and-forget payload. The in-process bus dispatches
// synchronously, so the write has landed when this returns.
func (app *TestApp) Publish(subject string, payload any) {
	app.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(app.t, err)
	require.NoError(app.t, app.Bus.Publish(subject, body))
}

// Eventually polls fn until it passes or the deadline expires.
func (app *TestApp) Eventually(fn func() bool, msg string) {
	app.t.Helper()
	require.Eventually(app.t, fn, 5*time.Second, 10*time.Millisecond, msg)
}
