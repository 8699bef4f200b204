package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/log"
)

// ChatTrimmer deletes chat lines older than a cutoff. Satisfied by
// services.ChatService.
type ChatTrimmer interface {
	TrimOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HistoryTrimmer deletes user-count samples older than a cutoff. Satisfied
// by services.StatsService.
type HistoryTrimmer interface {
	TrimUserCountHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// MaintenanceConfig holds retention windows and the loop interval.
type MaintenanceConfig struct {
	Interval            time.Duration
	UserCountRetention  time.Duration
	RecentChatRetention time.Duration
}

// Maintenance periodically enforces retention policies:
//   - Trims user_count_history rows past their retention window
//   - Trims recent_chat rows past their retention window
//
// Both trims are idempotent; a failed pass is retried on the next tick.
type Maintenance struct {
	cfg     MaintenanceConfig
	chat    ChatTrimmer
	history HistoryTrimmer
	logger  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintenance creates the retention loop. Start must be called to run it.
func NewMaintenance(cfg MaintenanceConfig, chat ChatTrimmer, history HistoryTrimmer) *Maintenance {
	return &Maintenance{
		cfg:     cfg,
		chat:    chat,
		history: history,
		logger:  log.WithComponent("maintenance"),
	}
}

// Start launches the background retention loop. The first pass runs
// immediately so restarts do not postpone overdue trims by a full interval.
func (m *Maintenance) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("user_count_retention", m.cfg.UserCountRetention).
		Dur("recent_chat_retention", m.cfg.RecentChatRetention).
		Msg("Maintenance loop started")
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Maintenance) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info().Msg("Maintenance loop stopped")
}

func (m *Maintenance) run(ctx context.Context) {
	defer close(m.done)

	m.runAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAll(ctx)
		}
	}
}

func (m *Maintenance) runAll(ctx context.Context) {
	m.trimUserCountHistory(ctx)
	m.trimRecentChat(ctx)
}

func (m *Maintenance) trimUserCountHistory(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.UserCountRetention)
	count, err := m.history.TrimUserCountHistory(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("Retention: user count history trim failed")
		return
	}
	if count > 0 {
		m.logger.Info().Int64("count", count).Msg("Retention: trimmed user count history")
	}
}

func (m *Maintenance) trimRecentChat(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.RecentChatRetention)
	count, err := m.chat.TrimOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("Retention: recent chat trim failed")
		return
	}
	if count > 0 {
		m.logger.Info().Int64("count", count).Msg("Retention: trimmed recent chat")
	}
}
