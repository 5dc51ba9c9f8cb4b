// Package fanout routes outbound deliveries across adapter lanes. One
// adapter is the session's origin (last_input_origin at delivery time);
// every other enabled adapter observes. Lanes run concurrently and a
// failing lane never blocks the others.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Router fans deliveries out to adapter lanes per the origin/observer
// policy.
type Router struct {
	manager  *adapters.Manager
	registry *sessions.Registry
	cfg      *config.Config

	// drop filters outbound text; matching content is discarded silently
	// on every lane (system housekeeping, never user-visible).
	drop func(string) bool
}

// Option configures the router.
type Option func(*Router)

// WithDropFilter installs the outbound content filter.
func WithDropFilter(f func(string) bool) Option {
	return func(r *Router) { r.drop = f }
}

// NewRouter wires the router.
func NewRouter(manager *adapters.Manager, registry *sessions.Registry, cfg *config.Config, opts ...Option) *Router {
	r := &Router{manager: manager, registry: registry, cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Threaded reports the threaded-output gate: enabled when the session's
// origin adapter is Discord or its agent is on the experiment list. The
// agent check is config-driven, never a hardcoded name.
func (r *Router) Threaded(sess *store.Session) bool {
	if sess.LastInputOrigin == protocol.AdapterDiscord {
		return true
	}
	return r.cfg.ThreadedAgent(sess.ActiveAgent)
}

// EnsureUIChannels provisions each enabled adapter's channel for the
// session. Adapter-specific carve-outs (the Telegram help-desk path) live
// inside the adapters' own EnsureChannel.
func (r *Router) EnsureUIChannels(ctx context.Context, sess *store.Session) {
	r.eachLane(ctx, sess, r.manager.Enabled(), "ensure channel", func(ctx context.Context, a adapters.Adapter) error {
		return a.EnsureChannel(ctx, sess)
	})
}

// ReflectInput mirrors admitted user input to observer lanes. The origin
// lane is excluded: the sender already sees their own message there.
func (r *Router) ReflectInput(ctx context.Context, sess *store.Session, text, actorName string) {
	if r.dropped(sess, text) {
		return
	}
	frame := fmt.Sprintf("[%s] %s", sess.LastInputOrigin, text)
	if actorName != "" {
		frame = fmt.Sprintf("[%s] %s: %s", sess.LastInputOrigin, actorName, text)
	}
	r.eachLane(ctx, sess, r.observers(sess), "reflect input", func(ctx context.Context, a adapters.Adapter) error {
		return a.SendMessage(ctx, sess, adapters.Message{Text: frame})
	})
}

// DeliverOutput fans agent output to every enabled lane, origin included.
// Threaded deltas append fresh messages everywhere; standard output is a
// live message the lanes edit in place.
func (r *Router) DeliverOutput(ctx context.Context, sess *store.Session, text string, threaded bool) {
	if r.dropped(sess, text) {
		return
	}
	msg := adapters.Message{Text: text, Live: !threaded}
	r.eachLane(ctx, sess, r.manager.Enabled(), "deliver output", func(ctx context.Context, a adapters.Adapter) error {
		return a.SendMessage(ctx, sess, msg)
	})
}

// DeliverToOrigin sends a message only to the session's origin lane.
func (r *Router) DeliverToOrigin(ctx context.Context, sess *store.Session, text string) {
	if r.dropped(sess, text) {
		return
	}
	origin, ok := r.origin(sess)
	if !ok {
		return
	}
	r.eachLane(ctx, sess, []adapters.Adapter{origin}, "deliver to origin", func(ctx context.Context, a adapters.Adapter) error {
		return a.SendMessage(ctx, sess, adapters.Message{Text: text})
	})
}

// DeliverFile fans a document to the origin lane, or to every lane when
// broadcast is set.
func (r *Router) DeliverFile(ctx context.Context, sess *store.Session, f adapters.File, broadcast bool) {
	r.eachLane(ctx, sess, r.targets(sess, broadcast), "deliver file", func(ctx context.Context, a adapters.Adapter) error {
		return a.SendFile(ctx, sess, f)
	})
}

// DeliverVoice fans an audio clip to the origin lane, or to every lane
// when broadcast is set.
func (r *Router) DeliverVoice(ctx context.Context, sess *store.Session, v adapters.Voice, broadcast bool) {
	r.eachLane(ctx, sess, r.targets(sess, broadcast), "deliver voice", func(ctx context.Context, a adapters.Adapter) error {
		return a.SendVoice(ctx, sess, v)
	})
}

// Typing toggles the typing affordance on the origin lane.
func (r *Router) Typing(ctx context.Context, sess *store.Session, active bool) {
	origin, ok := r.origin(sess)
	if !ok {
		return
	}
	if err := origin.TypingIndicator(ctx, sess, active); err != nil {
		slog.Debug("typing indicator failed", "lane", origin.Name(), "session_id", sess.SessionID, "error", err)
	}
}

// UpdateTitles renames the session's channel on every enabled lane.
func (r *Router) UpdateTitles(ctx context.Context, sess *store.Session, title string) {
	r.eachLane(ctx, sess, r.manager.Enabled(), "update title", func(ctx context.Context, a adapters.Adapter) error {
		return a.UpdateTitle(ctx, sess, title)
	})
}

// CloseChannels archives the session's channel on every enabled lane.
func (r *Router) CloseChannels(ctx context.Context, sess *store.Session) {
	r.eachLane(ctx, sess, r.manager.Enabled(), "close channel", func(ctx context.Context, a adapters.Adapter) error {
		return a.CloseChannel(ctx, sess)
	})
}

// DeliveryWindow is the smallest per-message character cap across enabled
// lanes, 0 when no lane reports one. The output pager sizes threaded
// deltas to it so one delivery fits every platform.
func (r *Router) DeliveryWindow() int {
	w := 0
	for _, a := range r.manager.Enabled() {
		if m := a.MaxMessageLength(); m > 0 && (w == 0 || m < w) {
			w = m
		}
	}
	return w
}

// origin resolves the session's origin adapter, when enabled.
func (r *Router) origin(sess *store.Session) (adapters.Adapter, bool) {
	if sess.LastInputOrigin == "" {
		return nil, false
	}
	a, ok := r.manager.Get(sess.LastInputOrigin)
	if !ok || !a.Enabled() {
		return nil, false
	}
	return a, true
}

// observers returns every enabled adapter except the origin.
func (r *Router) observers(sess *store.Session) []adapters.Adapter {
	enabled := r.manager.Enabled()
	out := make([]adapters.Adapter, 0, len(enabled))
	for _, a := range enabled {
		if a.Name() == sess.LastInputOrigin {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (r *Router) targets(sess *store.Session, broadcast bool) []adapters.Adapter {
	if broadcast {
		return r.manager.Enabled()
	}
	if origin, ok := r.origin(sess); ok {
		return []adapters.Adapter{origin}
	}
	return nil
}

func (r *Router) dropped(sess *store.Session, text string) bool {
	if r.drop != nil && r.drop(text) {
		slog.Debug("outbound delivery filtered", "session_id", sess.SessionID)
		return true
	}
	return false
}

// eachLane runs op concurrently per adapter and waits. A lane failure is
// logged with the adapter key and session id and never propagates, so one
// slow or broken platform cannot stall the rest.
func (r *Router) eachLane(ctx context.Context, sess *store.Session, lanes []adapters.Adapter, op string, fn func(context.Context, adapters.Adapter) error) {
	var wg sync.WaitGroup
	for _, a := range lanes {
		wg.Add(1)
		go func(a adapters.Adapter) {
			defer wg.Done()
			if err := fn(ctx, a); err != nil {
				slog.Error("[UI_LANE] "+op+" failed",
					"lane", a.Name(),
					"session_id", sess.SessionID,
					"error", err)
			}
		}(a)
	}
	wg.Wait()
}
