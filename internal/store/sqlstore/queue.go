package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/store"
)

const inboundCols = `id, session_id, origin, message_type, content, payload_json,
	actor_id, actor_name, status, created_at, processed_at, attempt_count,
	next_retry_at, locked_at, last_error, source_message_id, source_channel_id`

// InboundQueueStore is the SQL-backed inbound queue.
type InboundQueueStore struct {
	db *DB
}

// NewInboundQueueStore creates an inbound queue store over db.
func NewInboundQueueStore(db *DB) *InboundQueueStore {
	return &InboundQueueStore{db: db}
}

// Enqueue inserts the entry pending. A dedup hit on (origin,
// source_message_id) returns the existing row's id with ErrDuplicate.
func (s *InboundQueueStore) Enqueue(ctx context.Context, e *store.InboundEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	if e.MessageType == "" {
		e.MessageType = store.MessageText
	}
	if e.PayloadJSON == "" {
		e.PayloadJSON = "{}"
	}

	q := s.db.Rebind(`INSERT INTO inbound_queue (` + inboundCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.SessionID, e.Origin, e.MessageType, e.Content, e.PayloadJSON,
		e.ActorID, e.ActorName, e.Status, e.CreatedAt, e.ProcessedAt, e.AttemptCount,
		e.NextRetryAt, e.LockedAt, e.LastError, e.SourceMessageID, e.SourceChannelID)
	if err != nil {
		if isUniqueViolation(err) && e.SourceMessageID != "" {
			existing, lookErr := s.findBySource(ctx, e.Origin, e.SourceMessageID)
			if lookErr != nil {
				return "", fmt.Errorf("enqueue dedup lookup: %w", lookErr)
			}
			return existing, store.ErrDuplicate
		}
		return "", fmt.Errorf("enqueue inbound: %w", err)
	}
	return e.ID, nil
}

func (s *InboundQueueStore) findBySource(ctx context.Context, origin, sourceMessageID string) (string, error) {
	var id string
	q := s.db.Rebind(`SELECT id FROM inbound_queue
		WHERE origin = ? AND source_message_id = ? LIMIT 1`)
	err := s.db.GetContext(ctx, &id, q, origin, sourceMessageID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimBatch selects eligible rows oldest-first, then wins each one with a
// guarded UPDATE. Losing a row to a concurrent claimer just skips it, so no
// transaction spans the batch and the query stays portable across drivers.
func (s *InboundQueueStore) ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*store.InboundEntry, error) {
	ts := now()
	staleLock := ts.Add(-lockTimeout)

	sel := s.db.Rebind(`SELECT ` + inboundCols + ` FROM inbound_queue
		WHERE (
			(status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?) AND attempt_count < ?)
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		)
		ORDER BY created_at ASC
		LIMIT ?`)
	var candidates []*store.InboundEntry
	err := s.db.SelectContext(ctx, &candidates, sel,
		store.StatusPending, store.StatusFailed, ts, maxAttempts,
		store.StatusProcessing, staleLock, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable inbound: %w", err)
	}

	upd := s.db.Rebind(`UPDATE inbound_queue
		SET status = ?, locked_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND (
			status IN (?, ?)
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		)`)

	var claimed []*store.InboundEntry
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, upd,
			store.StatusProcessing, ts, c.ID,
			store.StatusPending, store.StatusFailed,
			store.StatusProcessing, staleLock)
		if err != nil {
			return claimed, fmt.Errorf("claim inbound %s: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // lost the race
		}
		c.Status = store.StatusProcessing
		c.LockedAt = &ts
		c.AttemptCount++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *InboundQueueStore) MarkDelivered(ctx context.Context, id string) error {
	ts := now()
	q := s.db.Rebind(`UPDATE inbound_queue
		SET status = ?, processed_at = ?, locked_at = NULL, last_error = ''
		WHERE id = ?`)
	return s.exec(ctx, q, "mark inbound delivered", store.StatusDelivered, ts, id)
}

func (s *InboundQueueStore) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	q := s.db.Rebind(`UPDATE inbound_queue
		SET status = ?, last_error = ?, next_retry_at = ?, locked_at = NULL
		WHERE id = ?`)
	return s.exec(ctx, q, "mark inbound failed",
		store.StatusFailed, errMsg, nextRetryAt.UTC(), id)
}

func (s *InboundQueueStore) MarkExpired(ctx context.Context, id, errMsg string) error {
	ts := now()
	q := s.db.Rebind(`UPDATE inbound_queue
		SET status = ?, last_error = ?, processed_at = ?, locked_at = NULL
		WHERE id = ?`)
	return s.exec(ctx, q, "mark inbound expired", store.StatusExpired, errMsg, ts, id)
}

func (s *InboundQueueStore) Get(ctx context.Context, id string) (*store.InboundEntry, error) {
	var e store.InboundEntry
	q := s.db.Rebind(`SELECT ` + inboundCols + ` FROM inbound_queue WHERE id = ?`)
	err := s.db.GetContext(ctx, &e, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound: %w", err)
	}
	return &e, nil
}

func (s *InboundQueueStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM inbound_queue
		WHERE status IN (?, ?) AND created_at < ?`)
	res, err := s.db.ExecContext(ctx, q, store.StatusDelivered, store.StatusExpired, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *InboundQueueStore) exec(ctx context.Context, q, op string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const hookCols = `id, session_id, event_type, payload_json, status, created_at,
	next_attempt_at, attempt_count, last_error, delivered_at, locked_at`

// HookOutboxStore is the SQL-backed hook outbox. Writers are short-lived
// hook processes; the daemon drains with the same claim discipline as the
// inbound queue.
type HookOutboxStore struct {
	db *DB
}

// NewHookOutboxStore creates a hook outbox store over db.
func NewHookOutboxStore(db *DB) *HookOutboxStore {
	return &HookOutboxStore{db: db}
}

func (s *HookOutboxStore) Append(ctx context.Context, e *store.HookEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	if e.PayloadJSON == "" {
		e.PayloadJSON = "{}"
	}

	q := s.db.Rebind(`INSERT INTO hook_outbox (` + hookCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.SessionID, e.EventType, e.PayloadJSON, e.Status, e.CreatedAt,
		e.NextAttemptAt, e.AttemptCount, e.LastError, e.DeliveredAt, e.LockedAt)
	if err != nil {
		return "", fmt.Errorf("append hook event: %w", err)
	}
	return e.ID, nil
}

func (s *HookOutboxStore) ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*store.HookEntry, error) {
	ts := now()
	staleLock := ts.Add(-lockTimeout)

	sel := s.db.Rebind(`SELECT ` + hookCols + ` FROM hook_outbox
		WHERE (
			(status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?) AND attempt_count < ?)
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		)
		ORDER BY created_at ASC
		LIMIT ?`)
	var candidates []*store.HookEntry
	err := s.db.SelectContext(ctx, &candidates, sel,
		store.StatusPending, store.StatusFailed, ts, maxAttempts,
		store.StatusProcessing, staleLock, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable hooks: %w", err)
	}

	upd := s.db.Rebind(`UPDATE hook_outbox
		SET status = ?, locked_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND (
			status IN (?, ?)
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		)`)

	var claimed []*store.HookEntry
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, upd,
			store.StatusProcessing, ts, c.ID,
			store.StatusPending, store.StatusFailed,
			store.StatusProcessing, staleLock)
		if err != nil {
			return claimed, fmt.Errorf("claim hook %s: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		c.Status = store.StatusProcessing
		c.LockedAt = &ts
		c.AttemptCount++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *HookOutboxStore) MarkDelivered(ctx context.Context, id string) error {
	ts := now()
	q := s.db.Rebind(`UPDATE hook_outbox
		SET status = ?, delivered_at = ?, locked_at = NULL, last_error = ''
		WHERE id = ?`)
	return s.exec(ctx, q, "mark hook delivered", store.StatusDelivered, ts, id)
}

func (s *HookOutboxStore) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	q := s.db.Rebind(`UPDATE hook_outbox
		SET status = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL
		WHERE id = ?`)
	return s.exec(ctx, q, "mark hook failed",
		store.StatusFailed, errMsg, nextAttemptAt.UTC(), id)
}

func (s *HookOutboxStore) MarkExpired(ctx context.Context, id, errMsg string) error {
	q := s.db.Rebind(`UPDATE hook_outbox
		SET status = ?, last_error = ?, locked_at = NULL
		WHERE id = ?`)
	return s.exec(ctx, q, "mark hook expired", store.StatusExpired, errMsg, id)
}

func (s *HookOutboxStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM hook_outbox
		WHERE status IN (?, ?) AND created_at < ?`)
	res, err := s.db.ExecContext(ctx, q, store.StatusDelivered, store.StatusExpired, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge hooks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *HookOutboxStore) exec(ctx context.Context, q, op string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
