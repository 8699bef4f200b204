package bot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/events"
)

func testState() *State {
	return NewState("rosey", "lobby", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestState_RosterTracking(t *testing.T) {
	s := testState()

	s.Apply(events.NewUserJoin(events.NewUserData("alice", 1, false, nil), 100, nil))
	s.Apply(events.NewUserJoin(events.NewUserData("bob", 2, false, nil), 101, nil))
	chat, connected := s.Counts()
	assert.Equal(t, 2, chat)
	assert.Equal(t, 0, connected)

	s.Apply(events.NewUserLeave("alice", nil, 102, nil))
	chat, _ = s.Counts()
	assert.Equal(t, 1, chat)

	// A roster replaces whatever join/leave tracking accumulated.
	s.Apply(events.NewUserList([]events.UserData{
		events.NewUserData("carol", 0, false, nil),
		events.NewUserData("dave", 3, true, nil),
		events.NewUserData("rosey", 2, false, nil),
	}, nil))
	chat, _ = s.Counts()
	assert.Equal(t, 3, chat)
}

func TestState_ConnectedCountFromPassThrough(t *testing.T) {
	s := testState()

	s.Apply(events.PassThrough("usercount", json.RawMessage(`{"count":41}`)))
	_, connected := s.Counts()
	assert.Equal(t, 41, connected)

	// Undecodable payloads leave the count alone.
	s.Apply(events.PassThrough("usercount", json.RawMessage(`"nope"`)))
	_, connected = s.Counts()
	assert.Equal(t, 41, connected)

	s.Apply(events.NewDisconnected("read error", 200))
	_, connected = s.Counts()
	assert.Equal(t, 0, connected)
}

func TestState_HighWaterPublishOnce(t *testing.T) {
	s := testState()

	_, _, ok := s.HighWater()
	assert.False(t, ok, "no observation yet")

	s.Apply(events.PassThrough("usercount", json.RawMessage(`{"count":10}`)))
	s.Apply(events.NewUserJoin(events.NewUserData("alice", 1, false, nil), 100, nil))

	chat, connected, ok := s.HighWater()
	require.True(t, ok)
	assert.Equal(t, 1, chat)
	assert.Equal(t, 10, connected)

	// Reading the mark clears it until the next new maximum.
	_, _, ok = s.HighWater()
	assert.False(t, ok)

	// A join below the previous maximum does not re-arm it.
	s.Apply(events.NewUserLeave("alice", nil, 101, nil))
	s.Apply(events.NewUserJoin(events.NewUserData("bob", 0, false, nil), 102, nil))
	_, _, ok = s.HighWater()
	assert.False(t, ok)

	s.Apply(events.NewUserJoin(events.NewUserData("carol", 0, false, nil), 103, nil))
	chat, _, ok = s.HighWater()
	require.True(t, ok)
	assert.Equal(t, 2, chat)
}

func TestState_IsSelf(t *testing.T) {
	s := testState()
	assert.True(t, s.IsSelf("rosey"))
	assert.False(t, s.IsSelf("alice"))
}

func TestState_StatusData(t *testing.T) {
	s := testState()

	s.Apply(events.NewConnected(100))
	s.Apply(events.NewUserList([]events.UserData{
		events.NewUserData("rosey", 2, true, nil),
		events.NewUserData("alice", 0, false, nil),
	}, nil))
	s.Apply(events.PassThrough("usercount", json.RawMessage(`{"count":7}`)))

	data := s.StatusData()
	assert.JSONEq(t, `"rosey"`, string(data["bot_name"]))
	assert.JSONEq(t, `"lobby"`, string(data["channel_name"]))
	assert.JSONEq(t, `true`, string(data["bot_connected"]))
	assert.JSONEq(t, `2`, string(data["current_chat_users"]))
	assert.JSONEq(t, `7`, string(data["current_connected_users"]))
	assert.JSONEq(t, `2`, string(data["bot_rank"]))
	assert.JSONEq(t, `true`, string(data["bot_afk"]))

	var start float64
	require.NoError(t, json.Unmarshal(data["bot_start_time"], &start))
	assert.InDelta(t, float64(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()), start, 0.001)

	s.Apply(events.NewDisconnected("gone", 200))
	data = s.StatusData()
	assert.JSONEq(t, `false`, string(data["bot_connected"]))
	assert.JSONEq(t, `0`, string(data["current_connected_users"]))
}
