// Package platform adapts the chat platform's websocket protocol to the
// normalized event vocabulary in pkg/events. The adapter owns the
// connection, reconnects with exponential backoff, and never lets a raw
// platform shape leak past its boundary.
package platform

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/events"
	"github.com/roseybot/rosey/pkg/log"
)

// Frame is one raw platform event as it crosses the websocket: an event
// name plus an opaque JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Platform event names the normalizer recognizes. Everything else passes
// through unchanged.
const (
	frameChatMsg   = "chatMsg"
	framePM        = "pm"
	frameAddUser   = "addUser"
	frameUserLeave = "userLeave"
	frameUserlist  = "userlist"
)

// Normalizer maps raw frames to normalized events. The clock stamps events
// whose platform payload carries no timestamp.
type Normalizer struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		logger: log.WithComponent("platform"),
		now:    time.Now,
	}
}

// chatPayload covers chatMsg and pm frames. The platform reports time in
// epoch milliseconds.
type chatPayload struct {
	Username string  `json:"username"`
	To       string  `json:"to"`
	Msg      string  `json:"msg"`
	Time     float64 `json:"time"`
}

// platformUser is the platform's user object. AFK hides inside meta, which
// is preserved verbatim on the normalized side.
type platformUser struct {
	Name string          `json:"name"`
	Rank float64         `json:"rank"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

func (u platformUser) afk() bool {
	if len(u.Meta) == 0 {
		return false
	}
	var m struct {
		AFK bool `json:"afk"`
	}
	_ = json.Unmarshal(u.Meta, &m)
	return m.AFK
}

func (u platformUser) normalized() events.UserData {
	return events.NewUserData(u.Name, u.Rank, u.afk(), u.Meta)
}

// Normalize maps one frame to the normalized vocabulary. A payload that
// does not decode passes through unchanged; normalization is lossy only in
// shape, never in content.
func (n *Normalizer) Normalize(frame Frame) events.Event {
	switch frame.Event {
	case frameChatMsg:
		var p chatPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return n.passThrough(frame, err)
		}
		return events.NewMessage(p.Username, p.Msg, events.SecondsFromMillis(p.Time), frame.Data)

	case framePM:
		var p chatPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return n.passThrough(frame, err)
		}
		return events.NewPM(p.Username, p.To, p.Msg, events.SecondsFromMillis(p.Time), frame.Data)

	case frameAddUser:
		var u platformUser
		if err := json.Unmarshal(frame.Data, &u); err != nil {
			return n.passThrough(frame, err)
		}
		return events.NewUserJoin(u.normalized(), n.nowSeconds(), frame.Data)

	case frameUserLeave:
		var u platformUser
		if err := json.Unmarshal(frame.Data, &u); err != nil {
			return n.passThrough(frame, err)
		}
		return events.NewUserLeave(u.Name, nil, n.nowSeconds(), frame.Data)

	case frameUserlist:
		var list []platformUser
		if err := json.Unmarshal(frame.Data, &list); err != nil {
			return n.passThrough(frame, err)
		}
		users := make([]events.UserData, 0, len(list))
		for _, u := range list {
			users = append(users, u.normalized())
		}
		return events.NewUserList(users, frame.Data)

	default:
		return events.PassThrough(frame.Event, frame.Data)
	}
}

func (n *Normalizer) passThrough(frame Frame, err error) events.Event {
	n.logger.Debug().Err(err).Str("event", frame.Event).Msg("Frame payload did not decode, passing through")
	return events.PassThrough(frame.Event, frame.Data)
}

func (n *Normalizer) nowSeconds() float64 {
	return float64(n.now().UnixMilli()) / 1000
}
