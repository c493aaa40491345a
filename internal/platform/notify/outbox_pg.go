package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type outboxStorePG struct {
	pool *pgxpool.Pool
}

func NewOutboxStorePG(pool *pgxpool.Pool) OutboxStore {
	return &outboxStorePG{pool: pool}
}

func (s *outboxStorePG) Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration) ([]*OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE emergency_outbox o SET next_attempt_at = $4
		WHERE o.id IN (
			SELECT id FROM emergency_outbox
			WHERE published_at IS NULL AND attempts < $3 AND next_attempt_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.emergency_id, o.exchange, o.routing_key, o.event_type, o.payload,
			o.attempts, o.last_error, o.created_at, o.published_at`,
		now, limit, maxAttempts, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.EmergencyID, &e.Exchange, &e.RoutingKey, &e.EventType, &e.Payload,
			&e.Attempts, &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *outboxStorePG) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE emergency_outbox SET published_at = $2, last_error = NULL WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox event %d published: %w", id, err)
	}
	return nil
}

func (s *outboxStorePG) MarkFailed(ctx context.Context, id int64, errMsg string, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE emergency_outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1`, id, errMsg, next)
	if err != nil {
		return fmt.Errorf("mark outbox event %d failed: %w", id, err)
	}
	return nil
}

func (s *outboxStorePG) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM emergency_outbox WHERE published_at IS NOT NULL AND published_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *outboxStorePG) PendingCount(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM emergency_outbox WHERE published_at IS NULL AND attempts < $1`, maxAttempts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox events: %w", err)
	}
	return n, nil
}
