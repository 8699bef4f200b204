// Package bus wraps the NATS client behind a small interface: publish,
// subscribe with callback, request with timeout, respond to replies. All
// traffic between the bot, plugins, and the database service goes through it.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/metrics"
	"github.com/roseybot/rosey/pkg/version"
)

// ErrTimeout is returned by Request when no reply arrives within the
// caller's timeout. Callers decide whether to retry; the client never does.
var ErrTimeout = errors.New("bus: request timed out")

// Msg is one delivered message. Reply is the private inbox subject for
// request/reply traffic; empty for plain pub/sub.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte

	respond func(data []byte) error
}

// Respond publishes data to the message's reply subject. It fails if the
// message was not a request.
func (m *Msg) Respond(data []byte) error {
	if m.respond == nil {
		return fmt.Errorf("bus: message on %q has no reply subject", m.Subject)
	}
	return m.respond(data)
}

// NewMsg builds a Msg outside a NATS delivery. In-process transports use it;
// respond may be nil for plain pub/sub messages.
func NewMsg(subject, reply string, data []byte, respond func(data []byte) error) *Msg {
	return &Msg{Subject: subject, Reply: reply, Data: data, respond: respond}
}

// Handler is invoked once per delivered message. Deliveries on a single
// subscription are serialized; handlers that need concurrency spawn their
// own goroutines.
type Handler func(msg *Msg)

// Subscription represents an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the capability surface the server and bot require. *Client
// implements it against NATS; tests implement it in-process.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)
	IsConnected() bool
	Close()
}

// Config holds connection settings.
type Config struct {
	URL              string
	Name             string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ConnectTimeout   time.Duration
	ReconnectBufSize int
}

// Client wraps *nats.Conn with logging, metrics, and the Msg abstraction.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect establishes the NATS connection. Reconnection is transparent:
// publishes during a brief disconnect are buffered by the underlying client
// up to ReconnectBufSize bytes.
func Connect(cfg Config) (*Client, error) {
	c := &Client{logger: log.WithComponent("bus")}

	name := cfg.Name
	if name == "" {
		name = version.Full()
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ConnectHandler(c.onConnect),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ErrorHandler(c.onError),
	}
	if cfg.ReconnectBufSize > 0 {
		opts = append(opts, nats.ReconnectBufSize(cfg.ReconnectBufSize))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	c.conn = conn
	metrics.SetBusConnected(true)
	return c, nil
}

func (c *Client) onConnect(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	metrics.SetBusConnected(true)
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("Disconnected from NATS")
	} else {
		c.logger.Info().Msg("Disconnected from NATS")
	}
	metrics.SetBusConnected(false)
}

func (c *Client) onReconnect(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	metrics.SetBusConnected(true)
	metrics.RecordBusReconnect()
}

func (c *Client) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	evt := c.logger.Error().Err(err)
	if sub != nil {
		evt = evt.Str("subject", sub.Subject)
	}
	evt.Msg("NATS error")
	metrics.RecordBusError()
}

// Publish sends data to subject, fire-and-forget.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		metrics.RecordBusError()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	metrics.RecordBusPublish(subject)
	return nil
}

// Subscribe registers handler for subject. The pattern may include
// single-token wildcards (e.g. "rosey.db.row.*.insert"). Deliveries on one
// subscription run serialized on the subscription's dispatch goroutine.
func (c *Client) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(nm *nats.Msg) {
		metrics.RecordBusDelivery(subject)
		handler(wrapMsg(nm))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.logger.Debug().Str("subject", subject).Msg("Subscribed")
	return sub, nil
}

// Request publishes data and awaits the first reply on a private inbox
// subject. Timeout expiry returns ErrTimeout; there are no implicit retries.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	reply, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		metrics.RecordBusError()
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("request to %s: %w", subject, ErrTimeout)
		}
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	metrics.RecordBusPublish(subject)
	return reply.Data, nil
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Stats exposes the underlying client counters for the health endpoint.
func (c *Client) Stats() nats.Statistics {
	if c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Close drains all subscriptions, then closes the connection. In-flight
// handler invocations finish before Drain returns the connection to closed.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("Unsubscribe failed")
		}
	}
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		metrics.SetBusConnected(false)
		c.logger.Info().Msg("NATS connection closed")
	}
}

func wrapMsg(nm *nats.Msg) *Msg {
	return &Msg{
		Subject: nm.Subject,
		Reply:   nm.Reply,
		Data:    nm.Data,
		respond: func(data []byte) error {
			return nm.Respond(data)
		},
	}
}
