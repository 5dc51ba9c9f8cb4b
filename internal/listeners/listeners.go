// Package listeners implements the stop-notification bus: one session
// (the caller, typically an orchestrator) subscribes to another session's
// stop events and gets a note injected into its own terminal when the
// target's turn ends.
package listeners

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/tmux"
)

// Bus is the session-listener service. Registrations persist in the
// store so subscriptions survive a daemon restart.
type Bus struct {
	listeners store.ListenerStore
	runner    tmux.Runner
}

// NewBus wires the bus.
func NewBus(listeners store.ListenerStore, runner tmux.Runner) *Bus {
	return &Bus{listeners: listeners, runner: runner}
}

// NotifyOnStop subscribes caller to target's stop events. Upsert: a pair
// registers at most once no matter how often it re-subscribes.
func (b *Bus) NotifyOnStop(ctx context.Context, targetSessionID, callerSessionID, callerTmux string) error {
	return b.listeners.Register(ctx, &store.Listener{
		TargetSessionID: targetSessionID,
		CallerSessionID: callerSessionID,
		CallerTmux:      callerTmux,
		RegisteredAt:    time.Now().UTC(),
	})
}

// Remove drops one subscription.
func (b *Bus) Remove(ctx context.Context, targetSessionID, callerSessionID string) error {
	return b.listeners.Remove(ctx, targetSessionID, callerSessionID)
}

// TargetStopped delivers one tmux-injected note to each registered caller.
// Failures are logged per caller and never raised: a dead orchestrator
// pane must not poison the stop pipeline or starve the other callers.
func (b *Bus) TargetStopped(ctx context.Context, target *store.Session, summary string) {
	subs, err := b.listeners.ForTarget(ctx, target.SessionID)
	if err != nil {
		slog.Error("listener lookup failed", "lane", "listener", "session_id", target.SessionID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	name := target.Title
	if name == "" {
		name = target.SessionID
	}
	note := fmt.Sprintf("[Worker %s stopped] %s", name, summary)

	for _, sub := range subs {
		if sub.CallerTmux == "" {
			continue
		}
		if err := b.runner.SendText(ctx, sub.CallerTmux, note); err != nil {
			slog.Error("listener notify failed",
				"lane", "listener",
				"session_id", target.SessionID,
				"caller_session_id", sub.CallerSessionID,
				"error", err)
		}
	}
}

// SweepSession removes every registration involving the session, as
// target or caller. Called on session end.
func (b *Bus) SweepSession(ctx context.Context, sessionID string) error {
	return b.listeners.SweepSession(ctx, sessionID)
}

// SweepStale drops registrations pointing at closed or vanished sessions.
func (b *Bus) SweepStale(ctx context.Context) (int64, error) {
	return b.listeners.SweepClosed(ctx)
}
