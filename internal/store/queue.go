package store

import (
	"context"
	"time"
)

// Queue entry states. Terminal states are delivered and expired; the claim
// query never returns them.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// Inbound message types.
const (
	MessageText  = "text"
	MessageVoice = "voice"
	MessageFile  = "file"
)

// InboundEntry is one durable inbound-queue row. Adapters enqueue first;
// the worker claims and dispatches with at-least-once semantics.
// (Origin, SourceMessageID) is the dedup key when SourceMessageID is set.
type InboundEntry struct {
	ID              string     `db:"id"`
	SessionID       string     `db:"session_id"`
	Origin          string     `db:"origin"`
	MessageType     string     `db:"message_type"`
	Content         string     `db:"content"`
	PayloadJSON     string     `db:"payload_json"`
	ActorID         string     `db:"actor_id"`
	ActorName       string     `db:"actor_name"`
	Status          string     `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	ProcessedAt     *time.Time `db:"processed_at"`
	AttemptCount    int        `db:"attempt_count"`
	NextRetryAt     *time.Time `db:"next_retry_at"`
	LockedAt        *time.Time `db:"locked_at"`
	LastError       string     `db:"last_error"`
	SourceMessageID string     `db:"source_message_id"`
	SourceChannelID string     `db:"source_channel_id"`
}

// InboundQueueStore is the durable inbound queue.
type InboundQueueStore interface {
	// Enqueue inserts the entry. On a (origin, source_message_id) dedup
	// hit it returns the EXISTING id together with ErrDuplicate and does
	// not insert a second row.
	Enqueue(ctx context.Context, e *InboundEntry) (string, error)

	// ClaimBatch returns up to limit eligible entries, each atomically
	// transitioned to processing with locked_at stamped and attempt_count
	// incremented. Eligible: pending|failed with next_retry_at due and
	// attempt_count < maxAttempts, plus processing rows whose lock is
	// older than lockTimeout (reclaim). Ordered by created_at.
	ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*InboundEntry, error)

	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error
	MarkExpired(ctx context.Context, id, errMsg string) error

	Get(ctx context.Context, id string) (*InboundEntry, error)
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}

// HookEntry is one hook-outbox row, written by a short-lived hook-script
// process and drained by the daemon.
type HookEntry struct {
	ID            string     `db:"id"`
	SessionID     string     `db:"session_id"`
	EventType     string     `db:"event_type"`
	PayloadJSON   string     `db:"payload_json"`
	CreatedAt     time.Time  `db:"created_at"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	AttemptCount  int        `db:"attempt_count"`
	LastError     string     `db:"last_error"`
	DeliveredAt   *time.Time `db:"delivered_at"`
	LockedAt      *time.Time `db:"locked_at"`
	Status        string     `db:"status"`
}

// HookOutboxStore is the hook-event outbox. Same claim discipline as the
// inbound queue; writers are out-of-process.
type HookOutboxStore interface {
	Append(ctx context.Context, e *HookEntry) (string, error)
	ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*HookEntry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkExpired(ctx context.Context, id, errMsg string) error
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}
