package bot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/platform"
	testbus "github.com/roseybot/rosey/test/bus"
)

func testOutboundConfig() OutboundConfig {
	// Pacing is effectively disabled so a batch drains in one call.
	return OutboundConfig{SendRate: 10000, SendBurst: 100, Timeout: time.Second}
}

// serveQueue answers outbound.get with the given batch once, then with an
// empty batch. It returns a counter of how many fetches were served.
func serveQueue(t *testing.T, conn *testbus.Conn, batch []models.OutboundMessage) *atomic.Int64 {
	t.Helper()
	var fetches atomic.Int64
	var mu sync.Mutex
	pending := batch

	_, err := conn.Subscribe(bus.SubjectOutboundGet, func(msg *bus.Msg) {
		fetches.Add(1)
		mu.Lock()
		serving := pending
		pending = nil
		mu.Unlock()

		reply, err := models.OKResponse(models.OutboundGetResponse{Messages: serving})
		require.NoError(t, err)
		require.NoError(t, msg.Respond(reply))
	})
	require.NoError(t, err)
	return &fetches
}

func TestOutbound_DeliversBatchInOrder(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	cap := captureSubjects(t, conn, bus.SubjectOutboundMarkSent, bus.SubjectOutboundMarkFailed)
	serveQueue(t, conn, []models.OutboundMessage{
		{ID: 1, Message: "first line"},
		{ID: 2, Message: "second line"},
	})

	p := NewOutboundProcessor(conn, sender, testOutboundConfig())
	p.drain(context.Background())

	assert.Equal(t, []string{"first line", "second line"}, sender.sentLines())
	require.Equal(t, 2, cap.count(bus.SubjectOutboundMarkSent))
	assert.Equal(t, 0, cap.count(bus.SubjectOutboundMarkFailed))

	var sent models.MarkSent
	cap.get(t, bus.SubjectOutboundMarkSent, 0, &sent)
	assert.Equal(t, int64(1), sent.MessageID)
	cap.get(t, bus.SubjectOutboundMarkSent, 1, &sent)
	assert.Equal(t, int64(2), sent.MessageID)
}

func TestOutbound_RequestCarriesLimits(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()

	var got models.OutboundGetRequest
	_, err := conn.Subscribe(bus.SubjectOutboundGet, func(msg *bus.Msg) {
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		reply, err := models.OKResponse(models.OutboundGetResponse{})
		require.NoError(t, err)
		require.NoError(t, msg.Respond(reply))
	})
	require.NoError(t, err)

	cfg := testOutboundConfig()
	cfg.Limit = 5
	cfg.MaxRetries = 7
	NewOutboundProcessor(conn, sender, cfg).drain(context.Background())

	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, 7, got.MaxRetries)
}

func TestOutbound_SkipsWhenDisconnected(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	sender.connected.Store(false)
	fetches := serveQueue(t, conn, []models.OutboundMessage{{ID: 1, Message: "never sent"}})

	p := NewOutboundProcessor(conn, sender, testOutboundConfig())
	p.drain(context.Background())

	assert.Equal(t, int64(0), fetches.Load())
	assert.Empty(t, sender.sentLines())
}

func TestOutbound_PermanentFailure(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	sender.sendFn = func(string) error {
		return &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "muted"}
	}
	cap := captureSubjects(t, conn, bus.SubjectOutboundMarkFailed, bus.SubjectOutboundMarkSent)
	serveQueue(t, conn, []models.OutboundMessage{{ID: 9, Message: "rejected line"}})

	p := NewOutboundProcessor(conn, sender, testOutboundConfig())
	p.drain(context.Background())

	require.Equal(t, 1, cap.count(bus.SubjectOutboundMarkFailed))
	assert.Equal(t, 0, cap.count(bus.SubjectOutboundMarkSent))

	var failed models.MarkFailed
	cap.get(t, bus.SubjectOutboundMarkFailed, 0, &failed)
	assert.Equal(t, int64(9), failed.MessageID)
	assert.True(t, failed.Permanent)
	assert.Contains(t, failed.Error, "muted")
}

func TestOutbound_TransientFailure(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	sender.sendFn = func(string) error { return platform.ErrNotConnected }
	cap := captureSubjects(t, conn, bus.SubjectOutboundMarkFailed)
	serveQueue(t, conn, []models.OutboundMessage{{ID: 4, Message: "dropped line"}})

	p := NewOutboundProcessor(conn, sender, testOutboundConfig())
	p.drain(context.Background())

	require.Equal(t, 1, cap.count(bus.SubjectOutboundMarkFailed))
	var failed models.MarkFailed
	cap.get(t, bus.SubjectOutboundMarkFailed, 0, &failed)
	assert.Equal(t, int64(4), failed.MessageID)
	assert.False(t, failed.Permanent)
}

func TestOutbound_BreakerParksBatch(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	var attempts atomic.Int64
	sender.sendFn = func(string) error {
		attempts.Add(1)
		return errors.New("write: broken pipe")
	}
	cap := captureSubjects(t, conn, bus.SubjectOutboundMarkFailed)
	serveQueue(t, conn, []models.OutboundMessage{
		{ID: 1, Message: "a"}, {ID: 2, Message: "b"}, {ID: 3, Message: "c"},
		{ID: 4, Message: "d"}, {ID: 5, Message: "e"},
	})

	p := NewOutboundProcessor(conn, sender, testOutboundConfig())
	p.drain(context.Background())

	// Three consecutive failures trip the breaker; the rest of the batch is
	// left for a later tick with its retry counts untouched.
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, 3, cap.count(bus.SubjectOutboundMarkFailed))
}

func TestOutbound_FetchFailureTolerated(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	cap := captureSubjects(t, conn, bus.SubjectOutboundMarkSent, bus.SubjectOutboundMarkFailed)

	_, err := conn.Subscribe(bus.SubjectOutboundGet, func(msg *bus.Msg) {
		require.NoError(t, msg.Respond(models.ErrResponse(
			models.NewError(models.CodeDatabaseError, "database failure: locked"))))
	})
	require.NoError(t, err)

	p := NewOutboundProcessor(conn, sender, testOutboundConfig())
	p.drain(context.Background())

	assert.Empty(t, sender.sentLines())
	assert.Equal(t, 0, cap.count(bus.SubjectOutboundMarkSent))
	assert.Equal(t, 0, cap.count(bus.SubjectOutboundMarkFailed))
}

func TestOutbound_StartStop(t *testing.T) {
	conn := testbus.New()
	sender := newFakePlatform()
	cap := captureSubjects(t, conn, bus.SubjectOutboundMarkSent)
	serveQueue(t, conn, []models.OutboundMessage{{ID: 7, Message: "queued line"}})

	cfg := testOutboundConfig()
	cfg.Tick = 10 * time.Millisecond
	p := NewOutboundProcessor(conn, sender, cfg)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return cap.count(bus.SubjectOutboundMarkSent) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"queued line"}, sender.sentLines())
}
