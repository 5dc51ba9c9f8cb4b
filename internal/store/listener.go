package store

import (
	"context"
	"time"
)

// Listener is one session's persistent subscription to another session's
// stop events (the orchestrator/worker coordination primitive). Unique per
// (target, caller); survives daemon restarts.
type Listener struct {
	TargetSessionID string    `db:"target_session_id"`
	CallerSessionID string    `db:"caller_session_id"`
	CallerTmux      string    `db:"caller_tmux_session"`
	RegisteredAt    time.Time `db:"registered_at"`
}

// ListenerStore persists stop-event listeners.
type ListenerStore interface {
	// Register upserts the (target, caller) subscription.
	Register(ctx context.Context, l *Listener) error

	ForTarget(ctx context.Context, targetSessionID string) ([]*Listener, error)
	Remove(ctx context.Context, targetSessionID, callerSessionID string) error

	// SweepSession removes every registration where the session appears
	// as target or caller. Called on session end.
	SweepSession(ctx context.Context, sessionID string) error

	// SweepClosed removes registrations whose target or caller session is
	// closed or gone. Listener rows are not foreign-keyed, so stale rows
	// accumulate and are swept periodically.
	SweepClosed(ctx context.Context) (int64, error)
}
