package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// statusFields is the full set of updatable current_status columns, in
// column order. Incoming status_data keys outside this set are dropped.
var statusFields = []string{
	"bot_name",
	"bot_rank",
	"bot_afk",
	"channel_name",
	"current_chat_users",
	"current_connected_users",
	"playlist_items",
	"current_media_title",
	"current_media_duration",
	"bot_start_time",
	"bot_connected",
}

var statusFieldSet = func() map[string]bool {
	m := make(map[string]bool, len(statusFields))
	for _, f := range statusFields {
		m[f] = true
	}
	return m
}()

// StatusSnapshot is the live bot/channel state. Fields are nil until the
// first writer populates them.
type StatusSnapshot struct {
	BotName               *string  `db:"bot_name" json:"bot_name"`
	BotRank               *float64 `db:"bot_rank" json:"bot_rank"`
	BotAFK                *bool    `db:"bot_afk" json:"bot_afk"`
	ChannelName           *string  `db:"channel_name" json:"channel_name"`
	CurrentChatUsers      *int64   `db:"current_chat_users" json:"current_chat_users"`
	CurrentConnectedUsers *int64   `db:"current_connected_users" json:"current_connected_users"`
	PlaylistItems         *int64   `db:"playlist_items" json:"playlist_items"`
	CurrentMediaTitle     *string  `db:"current_media_title" json:"current_media_title"`
	CurrentMediaDuration  *float64 `db:"current_media_duration" json:"current_media_duration"`
	BotStartTime          *float64 `db:"bot_start_time" json:"bot_start_time"`
	BotConnected          *bool    `db:"bot_connected" json:"bot_connected"`
	LastUpdated           string   `db:"last_updated" json:"last_updated"`
}

// StatusService maintains the current_status singleton row.
type StatusService struct {
	db *sqlx.DB
}

// NewStatusService creates a new StatusService.
func NewStatusService(db *sqlx.DB) *StatusService {
	return &StatusService{db: db}
}

// Update applies a partial status snapshot. Unknown keys are dropped
// silently; known keys are written in one UPDATE. Values must be JSON
// scalars since every status column is scalar.
func (s *StatusService) Update(ctx context.Context, statusData map[string]json.RawMessage) error {
	if len(statusData) == 0 {
		return models.MissingFieldError("status_data")
	}

	setClauses := make([]string, 0, len(statusFields)+1)
	args := make([]any, 0, len(statusFields)+1)
	for _, field := range statusFields {
		raw, ok := statusData[field]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return models.ValidationErrorf("field %s: invalid JSON value", field)
		}
		switch v.(type) {
		case nil, bool, float64, string:
		default:
			return models.ValidationErrorf("field %s: value must be a scalar", field)
		}
		setClauses = append(setClauses, field+" = ?")
		args = append(args, v)
	}
	if len(setClauses) == 0 {
		// All keys unknown; nothing to write.
		return nil
	}
	setClauses = append(setClauses, "last_updated = ?")
	args = append(args, database.FormatTime(time.Now()))

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := "UPDATE current_status SET " + strings.Join(setClauses, ", ") + " WHERE id = 1"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return models.DatabaseError("update status", err)
	}
	return nil
}

// Get returns the current status snapshot.
func (s *StatusService) Get(ctx context.Context) (*StatusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var snap StatusSnapshot
	err := s.db.GetContext(ctx, &snap, `
		SELECT bot_name, bot_rank, bot_afk, channel_name, current_chat_users,
		       current_connected_users, playlist_items, current_media_title,
		       current_media_duration, bot_start_time, bot_connected, last_updated
		FROM current_status WHERE id = 1`)
	if err != nil {
		return nil, models.DatabaseError("get status", err)
	}
	return &snap, nil
}
