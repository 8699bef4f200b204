// Package bot is the connection-side process: it consumes normalized
// platform events, mirrors channel state, publishes the fire-and-forget
// writes the database service persists, and drains the outbound message
// queue onto the platform.
package bot

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/roseybot/rosey/pkg/events"
)

// State is the bot's in-memory mirror of the channel: who is present, the
// platform's connection count, and the high-water marks. It is written by
// the event consumer goroutine and read by the periodic writers.
type State struct {
	mu sync.RWMutex

	users          map[string]events.UserData
	connectedCount int
	platformUp     bool

	highWaterChat      int
	highWaterConnected int
	highWaterDirty     bool

	botName   string
	channel   string
	startTime time.Time
}

func NewState(botName, channel string, now time.Time) *State {
	return &State{
		users:     make(map[string]events.UserData),
		botName:   botName,
		channel:   channel,
		startTime: now,
	}
}

// Apply folds one event into the state. Unknown pass-through events are
// consulted only for the platform's connection counter.
func (s *State) Apply(evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Name {
	case events.UserJoin:
		if evt.UserData != nil {
			s.users[evt.User] = *evt.UserData
		} else {
			s.users[evt.User] = events.UserData{Username: evt.User}
		}
		s.bumpHighWater()

	case events.UserLeave:
		delete(s.users, evt.User)

	case events.UserList:
		s.users = make(map[string]events.UserData, len(evt.Users))
		for _, u := range evt.Users {
			s.users[u.Username] = u
		}
		s.bumpHighWater()

	case events.Connected:
		s.platformUp = true

	case events.Disconnected:
		s.platformUp = false
		s.connectedCount = 0

	case "usercount":
		// Pass-through counter of total connections, lurkers included.
		var p struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(evt.PlatformData, &p); err == nil {
			s.connectedCount = p.Count
			s.bumpHighWater()
		}
	}
}

// bumpHighWater is called with the lock held.
func (s *State) bumpHighWater() {
	if len(s.users) > s.highWaterChat {
		s.highWaterChat = len(s.users)
		s.highWaterConnected = s.connectedCount
		s.highWaterDirty = true
	}
}

// Counts returns the current chat and connected user counts.
func (s *State) Counts() (chat, connected int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), s.connectedCount
}

// HighWater hands out a new high-water mark once, clearing the dirty flag.
// ok is false when nothing new happened since the last call.
func (s *State) HighWater() (chat, connected int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.highWaterDirty {
		return 0, 0, false
	}
	s.highWaterDirty = false
	return s.highWaterChat, s.highWaterConnected, true
}

// PlatformUp reports whether the platform link is currently established.
func (s *State) PlatformUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platformUp
}

// IsSelf reports whether username is the bot's own identity; the bot's own
// chat lines echo back from the platform and are not logged.
func (s *State) IsSelf(username string) bool {
	return username == s.botName
}

// StatusData builds the status.update payload from the current state.
func (s *State) StatusData() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat := len(s.users)
	fields := map[string]json.RawMessage{
		"bot_name":                rawJSON(s.botName),
		"channel_name":            rawJSON(s.channel),
		"bot_connected":           rawJSON(s.platformUp),
		"bot_start_time":          rawJSON(float64(s.startTime.UnixMilli()) / 1000),
		"current_chat_users":      rawJSON(chat),
		"current_connected_users": rawJSON(s.connectedCount),
	}
	if self, ok := s.users[s.botName]; ok {
		fields["bot_rank"] = rawJSON(self.Rank)
		fields["bot_afk"] = rawJSON(self.IsAFK)
	}
	return fields
}

// rawJSON marshals primitives for status fields. The inputs are all
// bool/string/number, which cannot fail to encode.
func rawJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
