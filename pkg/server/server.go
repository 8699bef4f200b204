// Package server is the bus front-end of the database service. It subscribes
// to every subject in the taxonomy and dispatches to the engines: system
// tables, KV store, schema registry, row operations, and plugin migrations.
//
// Request/reply handlers respond exactly once, even on panic. Pub/sub
// handlers log failures and return; fire-and-forget publishers never learn
// of them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/kv"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/metrics"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/rows"
	"github.com/roseybot/rosey/pkg/schema"
	"github.com/roseybot/rosey/pkg/services"
)

// Deps carries everything the dispatcher serves.
type Deps struct {
	Conn       bus.Conn
	Users      *services.UserService
	Chat       *services.ChatService
	Stats      *services.StatsService
	Outbound   *services.OutboundService
	Status     *services.StatusService
	Actions    *services.ActionService
	KV         *kv.Store
	Registry   *schema.Registry
	Rows       *rows.Engine
	Migrations *migrate.Engine
}

// Server owns the subject subscriptions of the database service.
type Server struct {
	conn       bus.Conn
	users      *services.UserService
	chat       *services.ChatService
	stats      *services.StatsService
	outbound   *services.OutboundService
	status     *services.StatusService
	actions    *services.ActionService
	kv         *kv.Store
	registry   *schema.Registry
	rows       *rows.Engine
	migrations *migrate.Engine

	logger zerolog.Logger
	subs   []bus.Subscription
}

// New creates the dispatcher. Call Start to begin serving.
func New(deps Deps) *Server {
	return &Server{
		conn:       deps.Conn,
		users:      deps.Users,
		chat:       deps.Chat,
		stats:      deps.Stats,
		outbound:   deps.Outbound,
		status:     deps.Status,
		actions:    deps.Actions,
		kv:         deps.KV,
		registry:   deps.Registry,
		rows:       deps.Rows,
		migrations: deps.Migrations,
		logger:     log.WithComponent("server"),
	}
}

// Start loads the schema cache and subscribes every subject. It returns an
// error if any subscription fails; a partially subscribed server is stopped
// again before returning.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading schema cache: %w", err)
	}

	subjects := []struct {
		subject string
		handler bus.Handler
	}{
		// Fire-and-forget state writes.
		{bus.SubjectUserJoined, s.pubsub(bus.SubjectUserJoined, s.handleUserJoined)},
		{bus.SubjectUserLeft, s.pubsub(bus.SubjectUserLeft, s.handleUserLeft)},
		{bus.SubjectMessageLog, s.pubsub(bus.SubjectMessageLog, s.handleMessageLog)},
		{bus.SubjectStatsUserCount, s.pubsub(bus.SubjectStatsUserCount, s.handleUserCount)},
		{bus.SubjectStatsHighWater, s.pubsub(bus.SubjectStatsHighWater, s.handleHighWater)},
		{bus.SubjectStatusUpdate, s.pubsub(bus.SubjectStatusUpdate, s.handleStatusUpdate)},
		{bus.SubjectOutboundMarkSent, s.pubsub(bus.SubjectOutboundMarkSent, s.handleMarkSent)},
		{bus.SubjectOutboundMarkFailed, s.pubsub(bus.SubjectOutboundMarkFailed, s.handleMarkFailed)},
		{bus.SubjectActionPMCommand, s.pubsub(bus.SubjectActionPMCommand, s.handlePMCommand)},

		// Queries and transactional operations.
		{bus.SubjectOutboundGet, s.request(bus.SubjectOutboundGet, s.handleOutboundGet)},
		{bus.SubjectRecentChatGet, s.request(bus.SubjectRecentChatGet, s.handleRecentChat)},
		{bus.SubjectQueryChannelStat, s.request(bus.SubjectQueryChannelStat, s.handleChannelStats)},
		{bus.SubjectQueryUserStats, s.request(bus.SubjectQueryUserStats, s.handleUserStats)},
		{bus.SubjectKVSet, s.request(bus.SubjectKVSet, s.handleKVSet)},
		{bus.SubjectKVGet, s.request(bus.SubjectKVGet, s.handleKVGet)},
		{bus.SubjectKVDelete, s.request(bus.SubjectKVDelete, s.handleKVDelete)},
		{bus.SubjectKVList, s.request(bus.SubjectKVList, s.handleKVList)},

		// Per-plugin wildcards; the plugin name rides in the subject.
		{bus.PatternRowSchemaRegister, s.request(bus.PatternRowSchemaRegister, s.handleSchemaRegister)},
		{bus.PatternRowSchemaList, s.request(bus.PatternRowSchemaList, s.handleSchemaList)},
		{bus.PatternRowSchemaDelete, s.request(bus.PatternRowSchemaDelete, s.handleSchemaDelete)},
		{bus.PatternRowInsert, s.request(bus.PatternRowInsert, s.handleRowInsert)},
		{bus.PatternRowSelect, s.request(bus.PatternRowSelect, s.handleRowSelect)},
		{bus.PatternRowUpdate, s.request(bus.PatternRowUpdate, s.handleRowUpdate)},
		{bus.PatternRowDelete, s.request(bus.PatternRowDelete, s.handleRowDelete)},
		{bus.PatternRowSearch, s.request(bus.PatternRowSearch, s.handleRowSearch)},
		{bus.PatternMigrateApply, s.request(bus.PatternMigrateApply, s.handleMigrateApply)},
		{bus.PatternMigrateRollback, s.request(bus.PatternMigrateRollback, s.handleMigrateRollback)},
		{bus.PatternMigrateStatus, s.request(bus.PatternMigrateStatus, s.handleMigrateStatus)},
	}

	for _, entry := range subjects {
		subscription, err := s.conn.Subscribe(entry.subject, entry.handler)
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribing to %s: %w", entry.subject, err)
		}
		s.subs = append(s.subs, subscription)
	}

	s.logger.Info().Int("subjects", len(subjects)).Msg("Database service listening")
	return nil
}

// Stop unsubscribes everything. In-flight handlers finish on their own.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("Unsubscribe failed")
		}
	}
	s.subs = nil
}

// requestHandler is the body of one request/reply subject.
type requestHandler func(ctx context.Context, msg *bus.Msg) (any, error)

// request wraps fn in the request/reply discipline: every message gets its
// own goroutine and exactly one response. class labels the latency metric
// with the subscription pattern, keeping cardinality bounded.
func (s *Server) request(class string, fn requestHandler) bus.Handler {
	return func(msg *bus.Msg) {
		go func() {
			start := time.Now()
			payload, err := s.invoke(fn, msg)
			if err != nil {
				s.respondErr(msg, err)
			} else {
				s.respondOK(msg, payload)
			}
			metrics.ObserveHandlerDuration(class, time.Since(start).Seconds())
		}()
	}
}

// invoke calls fn, converting a panic into INTERNAL_ERROR so the caller
// still gets its one response.
func (s *Server) invoke(fn requestHandler, msg *bus.Msg) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("subject", msg.Subject).
				Str("stack", string(debug.Stack())).
				Msg("Handler panicked")
			payload = nil
			err = models.NewError(models.CodeInternalError, "internal error handling %s", msg.Subject)
		}
	}()
	return fn(context.Background(), msg)
}

// pubsub wraps fn in the fire-and-forget discipline: failures are logged and
// dropped, and a panic never escapes the handler.
func (s *Server) pubsub(class string, fn func(ctx context.Context, msg *bus.Msg) error) bus.Handler {
	return func(msg *bus.Msg) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("subject", msg.Subject).
					Str("stack", string(debug.Stack())).
					Msg("Pub/sub handler panicked")
			}
		}()
		start := time.Now()
		if err := fn(context.Background(), msg); err != nil {
			metrics.RecordHandlerError(string(models.CodeOf(err)))
			s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Pub/sub handler failed")
		}
		metrics.ObserveHandlerDuration(class, time.Since(start).Seconds())
	}
}

func (s *Server) respondOK(msg *bus.Msg, payload any) {
	data, err := models.OKResponse(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Could not encode response")
		data = models.ErrResponse(models.NewError(models.CodeInternalError, "could not encode response"))
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Could not respond")
	}
}

func (s *Server) respondErr(msg *bus.Msg, err error) {
	metrics.RecordHandlerError(string(models.CodeOf(err)))
	if models.CodeOf(err) == models.CodeInternalError || models.CodeOf(err) == models.CodeDatabaseError {
		s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Handler failed")
	}
	if respondErr := msg.Respond(models.ErrResponse(err)); respondErr != nil {
		s.logger.Error().Err(respondErr).Str("subject", msg.Subject).Msg("Could not respond")
	}
}

// decodeRequest parses a request body. Empty bodies decode as the zero
// request, which suits the parameterless queries.
func decodeRequest(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.NewError(models.CodeInvalidJSON, "request is not valid JSON: %v", err)
	}
	return nil
}

// pluginOf extracts the plugin name a wildcard subject carries.
func pluginOf(msg *bus.Msg) (string, error) {
	plugin := bus.PluginFromSubject(msg.Subject)
	if plugin == "" {
		return "", models.NewError(models.CodeInvalidSubject,
			"cannot extract plugin name from subject %q", msg.Subject)
	}
	return plugin, nil
}
