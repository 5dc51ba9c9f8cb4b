package sqlstore

import (
	"context"
	"fmt"

	"github.com/teleclaude/teleclaude/internal/store"
)

// ListenerStore is the SQL-backed stop-listener registry.
type ListenerStore struct {
	db *DB
}

// NewListenerStore creates a listener store over db.
func NewListenerStore(db *DB) *ListenerStore {
	return &ListenerStore{db: db}
}

func (s *ListenerStore) Register(ctx context.Context, l *store.Listener) error {
	if l.RegisteredAt.IsZero() {
		l.RegisteredAt = now()
	}
	q := s.db.Rebind(`INSERT INTO session_listeners
			(target_session_id, caller_session_id, caller_tmux_session, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (target_session_id, caller_session_id) DO UPDATE SET
			caller_tmux_session = excluded.caller_tmux_session,
			registered_at = excluded.registered_at`)
	if _, err := s.db.ExecContext(ctx, q,
		l.TargetSessionID, l.CallerSessionID, l.CallerTmux, l.RegisteredAt); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	return nil
}

func (s *ListenerStore) ForTarget(ctx context.Context, targetSessionID string) ([]*store.Listener, error) {
	var out []*store.Listener
	q := s.db.Rebind(`SELECT target_session_id, caller_session_id, caller_tmux_session, registered_at
		FROM session_listeners WHERE target_session_id = ?
		ORDER BY registered_at ASC`)
	if err := s.db.SelectContext(ctx, &out, q, targetSessionID); err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	return out, nil
}

func (s *ListenerStore) Remove(ctx context.Context, targetSessionID, callerSessionID string) error {
	q := s.db.Rebind(`DELETE FROM session_listeners
		WHERE target_session_id = ? AND caller_session_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, targetSessionID, callerSessionID); err != nil {
		return fmt.Errorf("remove listener: %w", err)
	}
	return nil
}

func (s *ListenerStore) SweepSession(ctx context.Context, sessionID string) error {
	q := s.db.Rebind(`DELETE FROM session_listeners
		WHERE target_session_id = ? OR caller_session_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, sessionID, sessionID); err != nil {
		return fmt.Errorf("sweep session listeners: %w", err)
	}
	return nil
}

// SweepClosed drops registrations pointing at closed or deleted sessions.
func (s *ListenerStore) SweepClosed(ctx context.Context) (int64, error) {
	q := s.db.Rebind(`DELETE FROM session_listeners
		WHERE target_session_id NOT IN
			(SELECT session_id FROM sessions WHERE lifecycle_status = ?)
		   OR caller_session_id NOT IN
			(SELECT session_id FROM sessions WHERE lifecycle_status = ?)`)
	res, err := s.db.ExecContext(ctx, q, store.LifecycleActive, store.LifecycleActive)
	if err != nil {
		return 0, fmt.Errorf("sweep closed listeners: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
