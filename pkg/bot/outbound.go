package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/metrics"
	"github.com/roseybot/rosey/pkg/models"
)

// Sender is the platform surface the processor transmits through.
type Sender interface {
	Connected() bool
	SendChat(line string) error
}

// OutboundConfig tunes the processor. Zero values fall back to the
// documented defaults (2s tick, 2s fetch timeout, batches of 20, 3 retries,
// 1 msg/s pacing).
type OutboundConfig struct {
	Tick       time.Duration
	Timeout    time.Duration
	Limit      int
	MaxRetries int
	SendRate   float64
	SendBurst  int
}

func (c *OutboundConfig) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.SendRate <= 0 {
		c.SendRate = 1
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 3
	}
}

// OutboundProcessor drains the database's outbound queue onto the platform.
// Sends are paced by a token bucket and guarded by a circuit breaker so a
// dead platform link cannot burn through a batch of retries.
type OutboundProcessor struct {
	conn    bus.Conn
	sender  Sender
	cfg     OutboundConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewOutboundProcessor(conn bus.Conn, sender Sender, cfg OutboundConfig) *OutboundProcessor {
	cfg.applyDefaults()
	logger := log.WithComponent("outbound")

	settings := gobreaker.Settings{
		Name:    "platform-send",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("Send breaker state changed")
		},
	}

	return &OutboundProcessor{
		conn:    conn,
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Start launches the processing loop.
func (p *OutboundProcessor) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (p *OutboundProcessor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *OutboundProcessor) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drain fetches one batch and transmits it in order. A tripped breaker
// parks the rest of the batch for the next tick without touching retry
// counts; breaker rejections are a local condition, not a message failure.
func (p *OutboundProcessor) drain(ctx context.Context) {
	if !p.sender.Connected() {
		return
	}

	batch, err := p.fetch()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Outbound fetch failed")
		return
	}

	for _, msg := range batch {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.sender.SendChat(msg.Message)
		})

		switch {
		case err == nil:
			metrics.RecordOutboundDelivery("sent")
			p.publish(bus.SubjectOutboundMarkSent, models.MarkSent{MessageID: msg.ID})

		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			p.logger.Warn().Int64("id", msg.ID).Msg("Send breaker open, parking batch")
			return

		case permanentDelivery(err):
			metrics.RecordOutboundDelivery("permanent")
			p.logger.Warn().Err(err).Int64("id", msg.ID).Msg("Message rejected by platform")
			p.publish(bus.SubjectOutboundMarkFailed, models.MarkFailed{
				MessageID: msg.ID,
				Error:     err.Error(),
				Permanent: true,
			})

		default:
			metrics.RecordOutboundDelivery("transient")
			p.logger.Warn().Err(err).Int64("id", msg.ID).Msg("Message delivery failed")
			p.publish(bus.SubjectOutboundMarkFailed, models.MarkFailed{
				MessageID: msg.ID,
				Error:     err.Error(),
			})
		}
	}
}

func (p *OutboundProcessor) fetch() ([]models.OutboundMessage, error) {
	req, err := json.Marshal(models.OutboundGetRequest{
		Limit:      p.cfg.Limit,
		MaxRetries: p.cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	reply, err := p.conn.Request(bus.SubjectOutboundGet, req, p.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	env, err := models.ParseEnvelope(reply)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("outbound fetch: %s", env.Error.Message)
	}

	var resp models.OutboundGetResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("outbound fetch: decoding reply: %w", err)
	}
	return resp.Messages, nil
}

func (p *OutboundProcessor) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("Could not encode payload")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Publish failed")
	}
}

// permanentDelivery classifies a send error. Close frames carrying a policy
// code mean the platform actively rejected the message (muted, permission,
// flood control); everything else is assumed recoverable.
func permanentDelivery(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation, websocket.CloseMessageTooBig:
			return true
		}
	}
	return false
}
