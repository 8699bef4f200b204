package e2e

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roseybot/rosey/pkg/events"
)

// ScriptedPlatform is a channel-backed bot.Platform. Tests emit normalized
// events to drive the bot and read back the chat lines it transmitted.
type ScriptedPlatform struct {
	events    chan events.Event
	connected atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []string
	sendFn func(line string) error
}

func NewScriptedPlatform() *ScriptedPlatform {
	p := &ScriptedPlatform{events: make(chan events.Event, 64)}
	p.connected.Store(true)
	return p
}

func (p *ScriptedPlatform) Start(context.Context) {}

func (p *ScriptedPlatform) Stop() {
	p.closeOnce.Do(func() { close(p.events) })
}

func (p *ScriptedPlatform) Events() <-chan events.Event { return p.events }

func (p *ScriptedPlatform) Connected() bool { return p.connected.Load() }

// SetConnected flips the simulated transport state; the outbound processor
// skips its tick while down.
func (p *ScriptedPlatform) SetConnected(up bool) { p.connected.Store(up) }

func (p *ScriptedPlatform) SendChat(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendFn != nil {
		if err := p.sendFn(line); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, line)
	return nil
}

// Emit feeds one normalized event into the bot's consume loop.
func (p *ScriptedPlatform) Emit(evt events.Event) {
	p.events <- evt
}

// SentLines returns a copy of everything transmitted so far.
func (p *ScriptedPlatform) SentLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// FailSends makes SendChat return err until called again with nil.
func (p *ScriptedPlatform) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.sendFn = nil
		return
	}
	p.sendFn = func(string) error { return err }
}
