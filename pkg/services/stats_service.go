package services

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// StatsService owns the user-count history and the channel high-water marks.
type StatsService struct {
	db    *sqlx.DB
	users *UserService
}

// NewStatsService creates a new StatsService. The user service supplies the
// lifetime aggregates folded into the channel stats response.
func NewStatsService(db *sqlx.DB, users *UserService) *StatsService {
	return &StatsService{db: db, users: users}
}

// RecordUserCount appends one sample of chatter and connection counts.
func (s *StatsService) RecordUserCount(ctx context.Context, chatCount, connectedCount int) error {
	if chatCount < 0 || connectedCount < 0 {
		return models.ValidationErrorf("counts must be non-negative")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_count_history (timestamp, chat_count, connected_count)
		VALUES (?, ?, ?)`,
		database.FormatTime(time.Now()), chatCount, connectedCount)
	if err != nil {
		return models.DatabaseError("record user count", err)
	}
	return nil
}

// UpdateHighWater raises the channel high-water marks. Each mark only moves
// up, enforced inside the statement so concurrent writers cannot regress a
// peak. A nil connected count leaves that mark untouched.
func (s *StatsService) UpdateHighWater(ctx context.Context, hw models.HighWater) error {
	if hw.ChatCount < 0 {
		return models.ValidationErrorf("chat_count must be non-negative")
	}
	if hw.ConnectedCount != nil && *hw.ConnectedCount < 0 {
		return models.ValidationErrorf("connected_count must be non-negative")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := database.FormatTime(time.Now())
	if hw.ConnectedCount != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE channel_stats SET
				max_concurrent_chatters = MAX(max_concurrent_chatters, ?),
				max_concurrent_connected = MAX(max_concurrent_connected, ?),
				last_updated = ?
			WHERE id = 1`, hw.ChatCount, *hw.ConnectedCount, now)
		if err != nil {
			return models.DatabaseError("update high water", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_stats SET
			max_concurrent_chatters = MAX(max_concurrent_chatters, ?),
			last_updated = ?
		WHERE id = 1`, hw.ChatCount, now)
	if err != nil {
		return models.DatabaseError("update high water", err)
	}
	return nil
}

// ChannelStats assembles the channel-wide aggregate view: high-water marks,
// total users ever seen, and the top chatters leaderboard.
func (s *StatsService) ChannelStats(ctx context.Context) (*models.ChannelStatsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row struct {
		MaxChatters  int `db:"max_concurrent_chatters"`
		MaxConnected int `db:"max_concurrent_connected"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT max_concurrent_chatters, max_concurrent_connected
		FROM channel_stats WHERE id = 1`)
	if err != nil {
		return nil, models.DatabaseError("channel stats", err)
	}

	total, err := s.users.TotalUsersSeen(ctx)
	if err != nil {
		return nil, err
	}
	top, err := s.users.TopChatters(ctx, 10)
	if err != nil {
		return nil, err
	}

	return &models.ChannelStatsResponse{
		HighWaterMark:      row.MaxChatters,
		HighWaterConnected: row.MaxConnected,
		TopChatters:        top,
		TotalUsersSeen:     total,
	}, nil
}

// TrimUserCountHistory removes samples older than the cutoff and returns
// how many were removed.
func (s *StatsService) TrimUserCountHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_count_history WHERE timestamp < ?`, database.FormatTime(cutoff))
	if err != nil {
		return 0, models.DatabaseError("trim user count history", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
