package services

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// recentChatRetention is how far back the rolling chat transcript reaches.
const recentChatRetention = 150 * time.Hour

// ChatService maintains the rolling recent_chat transcript.
type ChatService struct {
	db *sqlx.DB
}

// NewChatService creates a new ChatService.
func NewChatService(db *sqlx.DB) *ChatService {
	return &ChatService{db: db}
}

// LogMessage appends a chat line to the transcript and opportunistically
// trims lines older than the retention window in the same call.
func (s *ChatService) LogMessage(ctx context.Context, username, message string) error {
	if username == "" {
		return models.MissingFieldError("username")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recent_chat (timestamp, username, message) VALUES (?, ?, ?)`,
		database.FormatTime(now), username, message)
	if err != nil {
		return models.DatabaseError("log chat message", err)
	}

	cutoff := database.FormatTime(now.Add(-recentChatRetention))
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM recent_chat WHERE timestamp < ?`, cutoff); err != nil {
		return models.DatabaseError("trim recent chat", err)
	}
	return nil
}

// RecentChat returns the most recent lines in chronological order. limit
// values outside [1, 1000] are clamped; zero means the default of 50.
func (s *ChatService) RecentChat(ctx context.Context, limit int) ([]models.ChatLine, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Fetch newest-first so LIMIT keeps the tail, then reverse.
	rows, err := s.db.QueryxContext(ctx, `
		SELECT timestamp, username, message FROM recent_chat
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, models.DatabaseError("recent chat", err)
	}
	defer rows.Close()

	lines := []models.ChatLine{}
	for rows.Next() {
		var l models.ChatLine
		if err := rows.Scan(&l.Timestamp, &l.Username, &l.Message); err != nil {
			return nil, models.DatabaseError("recent chat", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, models.DatabaseError("recent chat", err)
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// TrimOlderThan removes transcript lines older than the cutoff and returns
// how many were removed. Used by the maintenance loop.
func (s *ChatService) TrimOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM recent_chat WHERE timestamp < ?`, database.FormatTime(cutoff))
	if err != nil {
		return 0, models.DatabaseError("trim recent chat", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
