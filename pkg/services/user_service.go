// Package services contains the storage layer for the system tables: chat
// user stats, recent chat, channel stats, outbound messages, API tokens,
// current status, and the user-action audit log. The database service is the
// single mutator of every table here.
package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// queryTimeout bounds every single-statement service call.
const queryTimeout = 5 * time.Second

// UserStats is one row of chat_user_stats. CurrentSessionStart is non-nil
// iff the user is currently in session; a finalized user always has it nil.
type UserStats struct {
	Username            string  `db:"username"`
	FirstSeen           string  `db:"first_seen"`
	LastSeen            string  `db:"last_seen"`
	TotalChatLines      int64   `db:"total_chat_lines"`
	TotalTimeConnected  int64   `db:"total_time_connected"`
	CurrentSessionStart *string `db:"current_session_start"`
}

// UserService maintains per-user lifetime statistics and session accounting.
// Join/leave events arrive over fire-and-forget pub/sub and may repeat or
// reorder, so every write here is idempotent.
type UserService struct {
	db *sqlx.DB
}

// NewUserService creates a new UserService.
func NewUserService(db *sqlx.DB) *UserService {
	return &UserService{db: db}
}

// HandleJoin creates the user on first sight and opens a session. A join
// for a user already in session only refreshes last_seen (reconnect replay).
func (s *UserService) HandleJoin(ctx context.Context, username string) error {
	if username == "" {
		return models.MissingFieldError("username")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := database.FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_user_stats (username, first_seen, last_seen, current_session_start)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			last_seen = excluded.last_seen,
			current_session_start = COALESCE(current_session_start, excluded.current_session_start)`,
		username, now, now, now)
	if err != nil {
		return models.DatabaseError("user join", err)
	}
	return nil
}

// HandleLeave closes the user's session: elapsed session seconds are added
// to total_time_connected and the session start is cleared. A leave without
// an open session is a no-op.
func (s *UserService) HandleLeave(ctx context.Context, username string) error {
	if username == "" {
		return models.MissingFieldError("username")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := database.FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_user_stats SET
			total_time_connected = total_time_connected +
				MAX(0, strftime('%s', ?) - strftime('%s', current_session_start)),
			current_session_start = NULL,
			last_seen = ?
		WHERE username = ? AND current_session_start IS NOT NULL`,
		now, now, username)
	if err != nil {
		return models.DatabaseError("user leave", err)
	}
	return nil
}

// RecordChatLine bumps the user's lifetime line count. A chat line implies
// presence, so the row is created if the join event was missed.
func (s *UserService) RecordChatLine(ctx context.Context, username string) error {
	if username == "" {
		return models.MissingFieldError("username")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := database.FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_user_stats (username, first_seen, last_seen, total_chat_lines)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(username) DO UPDATE SET
			total_chat_lines = total_chat_lines + 1,
			last_seen = excluded.last_seen`,
		username, now, now)
	if err != nil {
		return models.DatabaseError("record chat line", err)
	}
	return nil
}

// GetUserStats fetches one user's lifetime stats. ErrNotFound means the
// user has never been seen.
func (s *UserService) GetUserStats(ctx context.Context, username string) (*UserStats, error) {
	if username == "" {
		return nil, models.MissingFieldError("username")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var stats UserStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT username, first_seen, last_seen, total_chat_lines,
		       total_time_connected, current_session_start
		FROM chat_user_stats WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, models.DatabaseError("get user stats", err)
	}
	return &stats, nil
}

// FinalizeAllSessions closes every open session in one statement. Runs on
// shutdown so uptime accumulated before the process exits is not lost.
// Returns the number of sessions closed.
func (s *UserService) FinalizeAllSessions(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := database.FormatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_user_stats SET
			total_time_connected = total_time_connected +
				MAX(0, strftime('%s', ?) - strftime('%s', current_session_start)),
			current_session_start = NULL
		WHERE current_session_start IS NOT NULL`,
		now)
	if err != nil {
		return 0, models.DatabaseError("finalize sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TotalUsersSeen counts distinct users ever observed.
func (s *UserService) TotalUsersSeen(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chat_user_stats`); err != nil {
		return 0, models.DatabaseError("count users", err)
	}
	return n, nil
}

// TopChatters returns the top users by lifetime chat lines.
func (s *UserService) TopChatters(ctx context.Context, limit int) ([]models.TopChatter, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT username, total_chat_lines FROM chat_user_stats
		ORDER BY total_chat_lines DESC, username ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, models.DatabaseError("top chatters", err)
	}
	defer rows.Close()

	chatters := []models.TopChatter{}
	for rows.Next() {
		var tc models.TopChatter
		if err := rows.Scan(&tc.Username, &tc.ChatLines); err != nil {
			return nil, models.DatabaseError("top chatters", err)
		}
		chatters = append(chatters, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, models.DatabaseError("top chatters", err)
	}
	return chatters, nil
}
