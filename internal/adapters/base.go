package adapters

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
)

// BaseAdapter carries the shared plumbing of every adapter: identity,
// running state, and the enqueue-first inbound path. Adapter
// implementations embed it.
type BaseAdapter struct {
	name     string
	maxLen   int
	registry *sessions.Registry
	inbound  store.InboundQueueStore
	running  atomic.Bool
}

// NewBaseAdapter creates the shared adapter core. maxLen is the platform
// message cap, 0 when the platform has none.
func NewBaseAdapter(name string, maxLen int, registry *sessions.Registry, inbound store.InboundQueueStore) BaseAdapter {
	return BaseAdapter{name: name, maxLen: maxLen, registry: registry, inbound: inbound}
}

// Name returns the adapter identifier.
func (b *BaseAdapter) Name() string { return b.name }

// MaxMessageLength returns the platform's per-message character cap.
func (b *BaseAdapter) MaxMessageLength() int { return b.maxLen }

// Running reports whether the adapter is actively processing events.
func (b *BaseAdapter) Running() bool { return b.running.Load() }

// SetRunning updates the running state.
func (b *BaseAdapter) SetRunning(running bool) { b.running.Store(running) }

// Registry returns the session registry reference.
func (b *BaseAdapter) Registry() *sessions.Registry { return b.registry }

// AcceptInbound durably enqueues a normalized inbound message and stamps
// the session's provenance in the same breath, so last_input_origin is
// current before any dispatch or reflection happens. Platform redeliveries
// of the same source message id are dropped silently via the dedup key.
func (b *BaseAdapter) AcceptInbound(ctx context.Context, e *store.InboundEntry) (string, error) {
	if e.Origin == "" {
		e.Origin = b.name
	}

	id, err := b.inbound.Enqueue(ctx, e)
	if errors.Is(err, store.ErrDuplicate) {
		slog.Debug("inbound duplicate dropped",
			"lane", b.name,
			"session_id", e.SessionID,
			"source_message_id", e.SourceMessageID)
		return id, nil
	}
	if err != nil {
		return "", err
	}

	if e.SessionID != "" {
		if terr := b.registry.Touch(ctx, e.SessionID, e.Origin); terr != nil {
			slog.Warn("inbound provenance touch failed", "lane", b.name, "session_id", e.SessionID, "error", terr)
		}
	}
	return id, nil
}
