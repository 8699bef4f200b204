package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/config"
	"github.com/roseybot/rosey/pkg/events"
	"github.com/roseybot/rosey/pkg/log"
)

// Platform is the chat connection the bot runs against. *platform.Adapter
// satisfies it; tests substitute a channel-backed fake.
type Platform interface {
	Start(ctx context.Context)
	Stop()
	Events() <-chan events.Event
	Connected() bool
	SendChat(line string) error
}

// Bot ties the platform connection to the message bus. Normalized events
// flow in through the consume loop and become database writes; queued
// outbound lines flow back out through the processor; two tickers publish
// periodic user-count and status snapshots.
type Bot struct {
	conn     bus.Conn
	platform Platform
	state    *State
	outbound *OutboundProcessor
	logger   zerolog.Logger

	userCountInterval time.Duration
	statusInterval    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Bot, conn bus.Conn, p Platform) *Bot {
	outbound := NewOutboundProcessor(conn, p, OutboundConfig{
		Tick:       cfg.OutboundTick,
		Timeout:    cfg.OutboundTimeout,
		Limit:      cfg.OutboundLimit,
		MaxRetries: cfg.OutboundMaxRetries,
		SendRate:   cfg.SendRate,
		SendBurst:  cfg.SendBurst,
	})
	return &Bot{
		conn:              conn,
		platform:          p,
		state:             NewState(cfg.BotName, cfg.Channel, time.Now()),
		outbound:          outbound,
		logger:            log.WithComponent("bot"),
		userCountInterval: cfg.UserCountInterval,
		statusInterval:    cfg.StatusInterval,
	}
}

// Start connects the platform and launches the worker loops.
func (b *Bot) Start(ctx context.Context) {
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)

	b.platform.Start(ctx)
	b.outbound.Start(ctx)

	b.wg.Add(3)
	go b.consumeLoop()
	go b.tickLoop(ctx, b.userCountInterval, b.publishUserCount)
	go b.tickLoop(ctx, b.statusInterval, b.publishStatus)

	b.logger.Info().Msg("Bot started")
}

// Stop shuts the loops down and disconnects. Stopping the platform closes
// its event channel, which is what releases the consume loop.
func (b *Bot) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.outbound.Stop()
	b.platform.Stop()
	b.wg.Wait()
	b.logger.Info().Msg("Bot stopped")
}

func (b *Bot) consumeLoop() {
	defer b.wg.Done()
	for evt := range b.platform.Events() {
		b.handleEvent(evt)
	}
}

func (b *Bot) tickLoop(ctx context.Context, interval time.Duration, fn func()) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.platform.Connected() {
				fn()
			}
		case <-ctx.Done():
			return
		}
	}
}
