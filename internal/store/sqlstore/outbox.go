package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/store"
)

// The notification and webhook outboxes share one claim discipline with the
// inbound queue: eligible rows are selected oldest-first, then each is won
// with a status-guarded UPDATE. outboxOps centralizes the SQL per table.
type outboxOps struct {
	db    *DB
	table string
}

func (o outboxOps) claimRows(ctx context.Context, cols string, limit, maxAttempts int, lockTimeout time.Duration, dest any) (time.Time, error) {
	ts := now()
	staleLock := ts.Add(-lockTimeout)
	sel := o.db.Rebind(`SELECT ` + cols + ` FROM ` + o.table + `
		WHERE (
			(status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?) AND attempt_count < ?)
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		)
		ORDER BY created_at ASC
		LIMIT ?`)
	err := o.db.SelectContext(ctx, dest, sel,
		store.StatusPending, store.StatusFailed, ts, maxAttempts,
		store.StatusProcessing, staleLock, limit)
	if err != nil {
		return ts, fmt.Errorf("select claimable %s: %w", o.table, err)
	}
	return ts, nil
}

func (o outboxOps) winRow(ctx context.Context, id string, ts time.Time, lockTimeout time.Duration) (bool, error) {
	staleLock := ts.Add(-lockTimeout)
	upd := o.db.Rebind(`UPDATE ` + o.table + `
		SET status = ?, locked_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND (
			status IN (?, ?)
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		)`)
	res, err := o.db.ExecContext(ctx, upd,
		store.StatusProcessing, ts, id,
		store.StatusPending, store.StatusFailed,
		store.StatusProcessing, staleLock)
	if err != nil {
		return false, fmt.Errorf("claim %s %s: %w", o.table, id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (o outboxOps) markDelivered(ctx context.Context, id string) error {
	q := o.db.Rebind(`UPDATE ` + o.table + `
		SET status = ?, delivered_at = ?, locked_at = NULL, last_error = ''
		WHERE id = ?`)
	return o.exec(ctx, q, "mark delivered", store.StatusDelivered, now(), id)
}

func (o outboxOps) markFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	q := o.db.Rebind(`UPDATE ` + o.table + `
		SET status = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL
		WHERE id = ?`)
	return o.exec(ctx, q, "mark failed", store.StatusFailed, errMsg, nextAttemptAt.UTC(), id)
}

func (o outboxOps) markExpired(ctx context.Context, id, errMsg string) error {
	q := o.db.Rebind(`UPDATE ` + o.table + `
		SET status = ?, last_error = ?, locked_at = NULL
		WHERE id = ?`)
	return o.exec(ctx, q, "mark expired", store.StatusExpired, errMsg, id)
}

func (o outboxOps) purgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	q := o.db.Rebind(`DELETE FROM ` + o.table + `
		WHERE status IN (?, ?) AND created_at < ?`)
	res, err := o.db.ExecContext(ctx, q, store.StatusDelivered, store.StatusExpired, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", o.table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (o outboxOps) exec(ctx context.Context, q, op string, args ...any) error {
	res, err := o.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", o.table, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const notificationCols = `id, channel, adapter, recipient, subject, body, status,
	created_at, attempt_count, next_attempt_at, locked_at, last_error, delivered_at`

// NotificationStore is the SQL-backed per-person notification outbox.
type NotificationStore struct {
	ops outboxOps
}

// NewNotificationStore creates a notification outbox store over db.
func NewNotificationStore(db *DB) *NotificationStore {
	return &NotificationStore{ops: outboxOps{db: db, table: "notification_outbox"}}
}

func (s *NotificationStore) Enqueue(ctx context.Context, e *store.NotificationEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	q := s.ops.db.Rebind(`INSERT INTO notification_outbox (` + notificationCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.ops.db.ExecContext(ctx, q,
		e.ID, e.Channel, e.Adapter, e.Recipient, e.Subject, e.Body, e.Status,
		e.CreatedAt, e.AttemptCount, e.NextAttemptAt, e.LockedAt, e.LastError, e.DeliveredAt)
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return e.ID, nil
}

func (s *NotificationStore) ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*store.NotificationEntry, error) {
	var candidates []*store.NotificationEntry
	ts, err := s.ops.claimRows(ctx, notificationCols, limit, maxAttempts, lockTimeout, &candidates)
	if err != nil {
		return nil, err
	}
	var claimed []*store.NotificationEntry
	for _, c := range candidates {
		won, err := s.ops.winRow(ctx, c.ID, ts, lockTimeout)
		if err != nil {
			return claimed, err
		}
		if !won {
			continue
		}
		c.Status = store.StatusProcessing
		c.LockedAt = &ts
		c.AttemptCount++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *NotificationStore) MarkDelivered(ctx context.Context, id string) error {
	return s.ops.markDelivered(ctx, id)
}

func (s *NotificationStore) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	return s.ops.markFailed(ctx, id, errMsg, nextAttemptAt)
}

func (s *NotificationStore) MarkExpired(ctx context.Context, id, errMsg string) error {
	return s.ops.markExpired(ctx, id, errMsg)
}

func (s *NotificationStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.ops.purgeDelivered(ctx, olderThan)
}

const webhookCols = `id, url, secret, event_type, payload_json, status,
	created_at, attempt_count, next_attempt_at, locked_at, last_error, delivered_at`

// WebhookStore is the SQL-backed outbound webhook outbox.
type WebhookStore struct {
	ops outboxOps
}

// NewWebhookStore creates a webhook outbox store over db.
func NewWebhookStore(db *DB) *WebhookStore {
	return &WebhookStore{ops: outboxOps{db: db, table: "webhook_outbox"}}
}

func (s *WebhookStore) Enqueue(ctx context.Context, e *store.WebhookEntry) (string, error) {
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
	q := s.ops.db.Rebind(`INSERT INTO webhook_outbox (` + webhookCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.ops.db.ExecContext(ctx, q,
		e.ID, e.URL, e.Secret, e.EventType, e.PayloadJSON, e.Status,
		e.CreatedAt, e.AttemptCount, e.NextAttemptAt, e.LockedAt, e.LastError, e.DeliveredAt)
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	return e.ID, nil
}

func (s *WebhookStore) ClaimBatch(ctx context.Context, limit, maxAttempts int, lockTimeout time.Duration) ([]*store.WebhookEntry, error) {
	var candidates []*store.WebhookEntry
	ts, err := s.ops.claimRows(ctx, webhookCols, limit, maxAttempts, lockTimeout, &candidates)
	if err != nil {
		return nil, err
	}
	var claimed []*store.WebhookEntry
	for _, c := range candidates {
		won, err := s.ops.winRow(ctx, c.ID, ts, lockTimeout)
		if err != nil {
			return claimed, err
		}
		if !won {
			continue
		}
		c.Status = store.StatusProcessing
		c.LockedAt = &ts
		c.AttemptCount++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *WebhookStore) MarkDelivered(ctx context.Context, id string) error {
	return s.ops.markDelivered(ctx, id)
}

func (s *WebhookStore) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	return s.ops.markFailed(ctx, id, errMsg, nextAttemptAt)
}

func (s *WebhookStore) MarkExpired(ctx context.Context, id, errMsg string) error {
	return s.ops.markExpired(ctx, id, errMsg)
}

func (s *WebhookStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.ops.purgeDelivered(ctx, olderThan)
}
