package services

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// Outbound fetch defaults, overridable per request.
const (
	defaultOutboundLimit      = 20
	defaultOutboundMaxRetries = 3
)

// OutboundService owns the outbound message queue. Messages are enqueued by
// anyone, fetched and delivered by the bot, and marked sent or failed based
// on the delivery outcome the bot reports back.
type OutboundService struct {
	db *sqlx.DB
}

// NewOutboundService creates a new OutboundService.
func NewOutboundService(db *sqlx.DB) *OutboundService {
	return &OutboundService{db: db}
}

// Enqueue appends a message to the queue and returns its id.
func (s *OutboundService) Enqueue(ctx context.Context, message string) (int64, error) {
	if message == "" {
		return 0, models.MissingFieldError("message")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_messages (enqueue_time, message) VALUES (?, ?)`,
		database.FormatTime(time.Now()), message)
	if err != nil {
		return 0, models.DatabaseError("enqueue outbound message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, models.DatabaseError("enqueue outbound message", err)
	}
	return id, nil
}

// FetchUnsent returns the next deliverable batch in enqueue order. A row is
// deliverable when it is unsent, has retries left, and its backoff window
// has elapsed. Fresh rows (retry_count 0) are eligible immediately; a row
// that failed transiently waits until enqueue_time + 60s << retry_count.
// The eligibility check runs inside the query so the limit applies to
// deliverable rows only.
func (s *OutboundService) FetchUnsent(ctx context.Context, limit, maxRetries int) ([]models.OutboundMessage, error) {
	if limit <= 0 {
		limit = defaultOutboundLimit
	}
	if maxRetries <= 0 {
		maxRetries = defaultOutboundMaxRetries
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := database.FormatTime(time.Now())
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, enqueue_time, message, retry_count, last_error
		FROM outbound_messages
		WHERE sent = 0
		  AND retry_count < ?
		  AND (retry_count = 0
		       OR strftime('%s', enqueue_time) + (60 << retry_count) <= strftime('%s', ?))
		ORDER BY id ASC
		LIMIT ?`, maxRetries, now, limit)
	if err != nil {
		return nil, models.DatabaseError("fetch unsent messages", err)
	}
	defer rows.Close()

	msgs := []models.OutboundMessage{}
	for rows.Next() {
		var m models.OutboundMessage
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Message, &m.RetryCount, &m.LastError); err != nil {
			return nil, models.DatabaseError("fetch unsent messages", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, models.DatabaseError("fetch unsent messages", err)
	}
	return msgs, nil
}

// MarkSent records successful delivery. Once sent a row is never offered
// again. Marking an unknown or already-sent id is a no-op.
func (s *OutboundService) MarkSent(ctx context.Context, id int64) error {
	if id <= 0 {
		return models.MissingFieldError("message_id")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages SET sent = 1, sent_time = ?
		WHERE id = ? AND sent = 0`,
		database.FormatTime(time.Now()), id)
	if err != nil {
		return models.DatabaseError("mark message sent", err)
	}
	return nil
}

// MarkFailed records a delivery failure. Permanent failures retire the row
// exactly like a send; transient ones bump retry_count, which pushes the
// next eligibility further out.
func (s *OutboundService) MarkFailed(ctx context.Context, id int64, deliveryErr string, permanent bool) error {
	if id <= 0 {
		return models.MissingFieldError("message_id")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if permanent {
		_, err := s.db.ExecContext(ctx, `
			UPDATE outbound_messages SET sent = 1, last_error = ?
			WHERE id = ? AND sent = 0`, deliveryErr, id)
		if err != nil {
			return models.DatabaseError("mark message failed", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ? AND sent = 0`, deliveryErr, id)
	if err != nil {
		return models.DatabaseError("mark message failed", err)
	}
	return nil
}

// PendingCount counts rows still awaiting delivery, including rows parked
// in backoff but excluding those out of retries.
func (s *OutboundService) PendingCount(ctx context.Context, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		maxRetries = defaultOutboundMaxRetries
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM outbound_messages WHERE sent = 0 AND retry_count < ?`,
		maxRetries)
	if err != nil {
		return 0, models.DatabaseError("count pending messages", err)
	}
	return n, nil
}
