package store

import (
	"context"
	"time"
)

// NotificationEntry is one durable per-person notification envelope.
type NotificationEntry struct {
	ID            string     `db:"id"`
	Channel       string     `db:"channel"`
	Adapter       string     `db:"adapter"`
	Recipient     string     `db:"recipient"`
	Subject       string     `db:"subject"`
	Body          string     `db:"body"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	AttemptCount  int        `db:"attempt_count"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LockedAt      *time.Time `db:"locked_at"`
	LastError     string     `db:"last_error"`
	DeliveredAt   *time.Time `db:"delivered_at"`
}

// WebhookEntry is one durable outbound webhook envelope.
type WebhookEntry struct {
	ID            string     `db:"id"`
	URL           string     `db:"url"`
	Secret        string     `db:"secret"`
	EventType     string     `db:"event_type"`
	PayloadJSON   string     `db:"payload_json"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	AttemptCount  int        `db:"attempt_count"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LockedAt      *time.Time `db:"locked_at"`
	LastError     string     `db:"last_error"`
	DeliveredAt   *time.Time `db:"delivered_at"`
}

// NotificationStore drains per-person notifications with the uniform
// outbox discipline.
type NotificationStore interface {
	Enqueue(ctx context.Context, e *NotificationEntry) (string, error)
	ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*NotificationEntry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkExpired(ctx context.Context, id, errMsg string) error
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}

// WebhookStore drains outbound webhooks with the uniform outbox discipline.
type WebhookStore interface {
	Enqueue(ctx context.Context, e *WebhookEntry) (string, error)
	ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*WebhookEntry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkExpired(ctx context.Context, id, errMsg string) error
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}
