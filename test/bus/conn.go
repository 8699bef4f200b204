// Package bus provides an in-process bus.Conn for tests. Subscriptions live
// in memory, Publish dispatches synchronously on the caller's goroutine, and
// Request synthesizes a reply inbox the way the NATS client would.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roseybot/rosey/pkg/bus"
)

// Conn is the in-process implementation of bus.Conn.
type Conn struct {
	mu        sync.Mutex
	subs      []*subscription
	connected atomic.Bool
	inbox     atomic.Int64
}

// New creates a connected in-process bus.
func New() *Conn {
	c := &Conn{}
	c.connected.Store(true)
	return c
}

type subscription struct {
	conn    *Conn
	pattern string
	handler bus.Handler
}

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	for i, sub := range s.conn.subs {
		if sub == s {
			s.conn.subs = append(s.conn.subs[:i], s.conn.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Subscribe registers handler for a subject pattern. Single-token (*) and
// trailing (>) wildcards are honored.
func (c *Conn) Subscribe(subject string, handler bus.Handler) (bus.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &subscription{conn: c, pattern: subject, handler: handler}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Publish delivers data to every matching subscription before returning,
// which keeps pub/sub tests free of polling.
func (c *Conn) Publish(subject string, data []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("bus: not connected")
	}
	for _, handler := range c.matching(subject) {
		handler(bus.NewMsg(subject, "", data, nil))
	}
	return nil
}

// Request delivers data to matching subscriptions and waits for the first
// reply. No matching subscription or no reply within the timeout returns
// bus.ErrTimeout, mirroring the NATS client's no-responders behavior.
func (c *Conn) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("bus: not connected")
	}
	handlers := c.matching(subject)
	if len(handlers) == 0 {
		return nil, fmt.Errorf("request to %s: %w", subject, bus.ErrTimeout)
	}

	replyCh := make(chan []byte, 1)
	reply := fmt.Sprintf("_INBOX.test.%d", c.inbox.Add(1))
	msg := bus.NewMsg(subject, reply, data, func(b []byte) error {
		select {
		case replyCh <- b:
		default:
		}
		return nil
	})

	for _, handler := range handlers {
		handler(msg)
	}

	select {
	case data := <-replyCh:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request to %s: %w", subject, bus.ErrTimeout)
	}
}

// IsConnected reports the simulated connection state.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// SetConnected flips the simulated connection state. Publish and Request
// fail while disconnected.
func (c *Conn) SetConnected(up bool) {
	c.connected.Store(up)
}

// Close disconnects and drops all subscriptions.
func (c *Conn) Close() {
	c.connected.Store(false)
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()
}

func (c *Conn) matching(subject string) []bus.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	var handlers []bus.Handler
	for _, sub := range c.subs {
		if subjectMatches(sub.pattern, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
