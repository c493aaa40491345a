package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one pending message in the emergency outbox.
type OutboxEvent struct {
	ID          int64
	EmergencyID uuid.UUID
	Exchange    string
	RoutingKey  string
	EventType   string
	Payload     []byte
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type OutboxStore interface {
	// Claim returns up to limit unpublished events due at now with fewer
	// than maxAttempts attempts, and hides them from other claimers until
	// now+lease.
	Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration) ([]*OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	// MarkFailed bumps attempts, records errMsg and schedules the next try.
	MarkFailed(ctx context.Context, id int64, errMsg string, next time.Time) error
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
	PendingCount(ctx context.Context, maxAttempts int) (int, error)
}
