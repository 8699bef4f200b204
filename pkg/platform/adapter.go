package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/events"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/metrics"
)

// ErrNotConnected is returned by Send while the websocket is down. The
// outbound processor treats it as a transient failure.
var ErrNotConnected = errors.New("platform: not connected")

const writeTimeout = 10 * time.Second

// Config holds the adapter's connection settings.
type Config struct {
	URL      string
	Channel  string
	Username string
	Password string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	EventBuffer      int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Adapter owns the platform websocket. Start connects and keeps
// reconnecting until Stop; normalized events arrive on Events in delivery
// order, including the connected/disconnected lifecycle markers the adapter
// synthesizes itself.
type Adapter struct {
	cfg    Config
	logger zerolog.Logger
	norm   *Normalizer

	mu   sync.Mutex
	conn *websocket.Conn

	eventCh chan events.Event
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewAdapter(cfg Config) *Adapter {
	cfg.applyDefaults()
	return &Adapter{
		cfg:     cfg,
		logger:  log.WithComponent("platform"),
		norm:    NewNormalizer(),
		eventCh: make(chan events.Event, cfg.EventBuffer),
	}
}

// Events is the stream of normalized events. It closes after Stop, once the
// connection loop has fully wound down.
func (a *Adapter) Events() <-chan events.Event {
	return a.eventCh
}

// Connected reports whether the websocket is currently up.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Start launches the connection loop. It returns immediately; connection
// failures surface as error events and retries, never as a Start error.
func (a *Adapter) Start(ctx context.Context) {
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop tears the connection down and waits for the loop to exit. The event
// channel closes once the final disconnected event has been delivered.
func (a *Adapter) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.closeConn()
	<-a.done
}

// Send writes one frame to the platform. payload may be nil for bare
// signals.
func (a *Adapter) Send(event string, payload any) error {
	frame := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s frame: %w", event, err)
		}
		frame.Data = data
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return a.conn.WriteJSON(frame)
}

// SendChat transmits one chat line to the channel.
func (a *Adapter) SendChat(line string) error {
	return a.Send(frameChatMsg, map[string]string{"msg": line})
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)
	defer close(a.eventCh)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			attempt++
			delay := Backoff(a.cfg.InitialBackoff, a.cfg.MaxBackoff, attempt)
			a.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).
				Msg("Platform connect failed")
			a.deliver(ctx, events.NewError(err.Error(), a.norm.nowSeconds()))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		// Connection id correlates the connect/disconnect pair in logs
		// across reconnect cycles.
		connID := uuid.NewString()
		a.setConn(conn)
		metrics.SetPlatformConnected(true)
		a.logger.Info().Str("conn_id", connID).Str("url", a.cfg.URL).Str("channel", a.cfg.Channel).
			Msg("Platform connected")
		a.deliver(ctx, events.NewConnected(a.norm.nowSeconds()))

		connCtx, connCancel := context.WithCancel(ctx)
		go a.pingLoop(connCtx, conn)
		readErr := a.readLoop(ctx, conn)
		connCancel()

		a.closeConn()
		metrics.SetPlatformConnected(false)
		reason := ""
		if readErr != nil {
			reason = readErr.Error()
		}
		a.logger.Warn().Err(readErr).Str("conn_id", connID).Msg("Platform disconnected")
		a.deliver(ctx, events.NewDisconnected(reason, a.norm.nowSeconds()))
	}
}

// joinFrame is the handshake sent right after the websocket opens.
type joinFrame struct {
	Channel  string `json:"channel"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, a.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", a.cfg.URL, err)
	}

	join := joinFrame{Channel: a.cfg.Channel, Username: a.cfg.Username, Password: a.cfg.Password}
	data, _ := json.Marshal(join)
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(Frame{Event: "join", Data: data}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending join frame: %w", err)
	}
	return conn, nil
}

// readLoop decodes frames until the connection fails. A frame that is not
// valid JSON is dropped with a log line; only transport errors end the loop.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pongWait := 2 * a.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Warn().Err(err).Msg("Dropping undecodable platform frame")
			continue
		}

		evt := a.norm.Normalize(frame)
		metrics.RecordPlatformEvent(evt.Name)
		a.deliver(ctx, evt)
	}
}

// pingLoop keeps the read deadline alive. A failed ping write is left for
// the read loop to notice; closing here would race the reader.
func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				a.logger.Debug().Err(err).Msg("Platform ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// deliver blocks until the consumer takes the event; backpressure from a
// slow consumer stalls the read loop rather than dropping events.
func (a *Adapter) deliver(ctx context.Context, evt events.Event) {
	select {
	case a.eventCh <- evt:
	case <-ctx.Done():
	}
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Adapter) closeConn() {
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
}

// Backoff returns the reconnect delay for a 1-based attempt:
// min(initial * 2^(attempt-1), max).
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
