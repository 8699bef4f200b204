// Package events defines the normalized event vocabulary shared by the
// platform adapter, the bot, and plugins. Every platform event either maps
// to one of the names below or passes through unchanged under its original
// name; the raw platform payload always rides along as platform_data.
package events

import "encoding/json"

// Normalized event names.
const (
	Message      = "message"
	PM           = "pm"
	UserJoin     = "user_join"
	UserLeave    = "user_leave"
	UserList     = "user_list"
	Connected    = "connected"
	Disconnected = "disconnected"
	Error        = "error"
)

// ModeratorRank is the lowest rank treated as a moderator.
const ModeratorRank = 2.0

// SubjectRoot prefixes the subjects normalized events are republished on.
const SubjectRoot = "rosey.events"

// Subject returns the bus subject for an event name, e.g.
// Subject("message") -> "rosey.events.message".
func Subject(name string) string {
	return SubjectRoot + "." + name
}

// UserData is the normalized view of one channel user. IsModerator is
// derived from Rank and never read from the platform payload.
type UserData struct {
	Username    string          `json:"username"`
	Rank        float64         `json:"rank"`
	IsAFK       bool            `json:"is_afk"`
	IsModerator bool            `json:"is_moderator"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// NewUserData builds a UserData with the moderator flag derived from rank.
func NewUserData(username string, rank float64, afk bool, meta json.RawMessage) UserData {
	return UserData{
		Username:    username,
		Rank:        rank,
		IsAFK:       afk,
		IsModerator: rank >= ModeratorRank,
		Meta:        meta,
	}
}

// Event is one normalized platform event. Only the fields the vocabulary
// assigns to Name are populated; Timestamp is epoch seconds.
type Event struct {
	Name         string          `json:"event"`
	User         string          `json:"user,omitempty"`
	Recipient    string          `json:"recipient,omitempty"`
	Content      string          `json:"content,omitempty"`
	Timestamp    float64         `json:"timestamp,omitempty"`
	UserData     *UserData       `json:"user_data,omitempty"`
	Users        []UserData      `json:"users,omitempty"`
	Count        int             `json:"count,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	PlatformData json.RawMessage `json:"platform_data,omitempty"`
}

// Normalized reports whether name belongs to the fixed vocabulary. A false
// answer means the event passed through with its platform name.
func Normalized(name string) bool {
	switch name {
	case Message, PM, UserJoin, UserLeave, UserList, Connected, Disconnected, Error:
		return true
	}
	return false
}

// SecondsFromMillis converts a millisecond epoch timestamp to seconds,
// keeping sub-second precision.
func SecondsFromMillis(ms float64) float64 {
	return ms / 1000
}

func NewMessage(user, content string, ts float64, raw json.RawMessage) Event {
	return Event{Name: Message, User: user, Content: content, Timestamp: ts, PlatformData: raw}
}

func NewPM(user, recipient, content string, ts float64, raw json.RawMessage) Event {
	return Event{Name: PM, User: user, Recipient: recipient, Content: content, Timestamp: ts, PlatformData: raw}
}

func NewUserJoin(user UserData, ts float64, raw json.RawMessage) Event {
	u := user
	return Event{Name: UserJoin, User: user.Username, UserData: &u, Timestamp: ts, PlatformData: raw}
}

// NewUserLeave takes an optional user object; platforms that only announce
// the name leave it nil.
func NewUserLeave(username string, user *UserData, ts float64, raw json.RawMessage) Event {
	return Event{Name: UserLeave, User: username, UserData: user, Timestamp: ts, PlatformData: raw}
}

func NewUserList(users []UserData, raw json.RawMessage) Event {
	return Event{Name: UserList, Users: users, Count: len(users), PlatformData: raw}
}

func NewConnected(ts float64) Event {
	return Event{Name: Connected, Timestamp: ts}
}

func NewDisconnected(reason string, ts float64) Event {
	return Event{Name: Disconnected, Reason: reason, Timestamp: ts}
}

func NewError(reason string, ts float64) Event {
	return Event{Name: Error, Reason: reason, Timestamp: ts}
}

// PassThrough wraps an unrecognized platform event without renaming it.
func PassThrough(name string, raw json.RawMessage) Event {
	return Event{Name: name, PlatformData: raw}
}
