// Package engine is the session-coordination core: it consumes inbound
// commands and agent hook events, drives the per-session state machine,
// and pushes the results out through the fanout router, the link
// registry, and the listener bus.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/fanout"
	"github.com/teleclaude/teleclaude/internal/links"
	"github.com/teleclaude/teleclaude/internal/listeners"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/summary"
	"github.com/teleclaude/teleclaude/internal/tmux"
	"github.com/teleclaude/teleclaude/internal/voice"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// PeerSender delivers frames to sessions hosted on other computers.
// Nil when no peer transport is configured.
type PeerSender interface {
	SendLinkedStop(ctx context.Context, toComputer string, payload protocol.LinkedStopPayload) error
}

// AttentionNotifier routes agent attention pings to subscribed humans
// out of band. Nil when no notification channels are configured.
type AttentionNotifier interface {
	NotifyAttention(ctx context.Context, subject, body string) error
}

// Engine wires the coordination collaborators together.
type Engine struct {
	cfg        *config.Config
	stores     *store.Stores
	registry   *sessions.Registry
	links      *links.Registry
	listeners  *listeners.Bus
	router     *fanout.Router
	runner     tmux.Runner
	summarizer *summary.Summarizer
	voices     *voice.Service
	peers      PeerSender
	events     bus.Publisher
	notify     AttentionNotifier
}

// Deps carries the engine's collaborators. Peers, Events, and Notify may
// be nil.
type Deps struct {
	Config     *config.Config
	Stores     *store.Stores
	Registry   *sessions.Registry
	Links      *links.Registry
	Listeners  *listeners.Bus
	Router     *fanout.Router
	Runner     tmux.Runner
	Summarizer *summary.Summarizer
	Voices     *voice.Service
	Peers      PeerSender
	Events     bus.Publisher
	Notify     AttentionNotifier
}

// New creates the engine.
func New(d Deps) *Engine {
	return &Engine{
		cfg:        d.Config,
		stores:     d.Stores,
		registry:   d.Registry,
		links:      d.Links,
		listeners:  d.Listeners,
		router:     d.Router,
		runner:     d.Runner,
		summarizer: d.Summarizer,
		voices:     d.Voices,
		peers:      d.Peers,
		events:     d.Events,
		notify:     d.Notify,
	}
}

// Registry exposes the session registry to transport layers.
func (e *Engine) Registry() *sessions.Registry { return e.registry }

// Links exposes the link registry.
func (e *Engine) Links() *links.Registry { return e.links }

// Listeners exposes the listener bus.
func (e *Engine) Listeners() *listeners.Bus { return e.listeners }

// Voices exposes the voice-assignment service.
func (e *Engine) Voices() *voice.Service { return e.voices }

// StartSession mints a session and provisions its UI channels. When an
// initiator session is named, the two are linked into a direct
// conversation.
func (e *Engine) StartSession(ctx context.Context, req protocol.CreateSessionRequest) (*store.Session, error) {
	sess, err := e.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	e.router.EnsureUIChannels(ctx, sess)

	if req.InitiatorSession != "" {
		initiator, err := e.registry.Get(ctx, req.InitiatorSession)
		if err != nil {
			slog.Warn("initiator session not found, skipping link",
				"session_id", sess.SessionID, "initiator", req.InitiatorSession, "error", err)
			return sess, nil
		}
		if _, created, err := e.links.EstablishDirect(ctx, initiator, sess); err != nil {
			slog.Warn("direct link setup failed",
				"session_id", sess.SessionID, "initiator", initiator.SessionID, "error", err)
		} else if created {
			slog.Info("direct link established",
				"session_id", sess.SessionID, "initiator", initiator.SessionID)
		}
	}
	return sess, nil
}

// EndSession severs the session from links and listeners, archives its
// adapter channels, and closes the record and tmux pane. Cleanup steps
// are best-effort; only the close itself can fail the call.
func (e *Engine) EndSession(ctx context.Context, sessionID, reason string) error {
	sess, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.LifecycleStatus == store.LifecycleClosed {
		return nil
	}

	e.links.CleanupForSession(ctx, sessionID)
	if err := e.listeners.SweepSession(ctx, sessionID); err != nil {
		slog.Warn("listener sweep failed", "session_id", sessionID, "error", err)
	}
	e.router.CloseChannels(ctx, sess)

	return e.registry.Close(ctx, sessionID, reason)
}

// SendKeys injects raw keys into the session's terminal, bypassing the
// durable queue. Used for interactive control sequences.
func (e *Engine) SendKeys(ctx context.Context, sessionID, keys string) error {
	sess, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Headless() {
		return E(KindContractViolation, sessionID, "api", fmt.Errorf("session has no terminal"))
	}
	return e.runner.SendText(ctx, sess.TmuxSessionName, keys)
}

// RestartAgent kills the session's pane and relaunches its agent in place.
func (e *Engine) RestartAgent(ctx context.Context, sessionID string) error {
	sess, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Headless() {
		return E(KindContractViolation, sessionID, "api", fmt.Errorf("session has no terminal"))
	}
	if err := e.registry.Relaunch(ctx, sess); err != nil {
		return err
	}
	pending := store.AgentStatePending
	return e.registry.Patch(ctx, sessionID, store.SessionPatch{AgentState: &pending})
}

// Revive mints a fresh session carrying the closed session's shape. A
// closed session never reopens; the new session gets a new id and pane.
func (e *Engine) Revive(ctx context.Context, sessionID string) (*store.Session, error) {
	old, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.StartSession(ctx, protocol.CreateSessionRequest{
		ComputerName: old.ComputerName,
		ProjectPath:  old.ProjectPath,
		Subdir:       old.Subdir,
		Agent:        old.ActiveAgent,
		ThinkingMode: old.ThinkingMode,
		Title:        old.Title,
		Origin:       old.LastInputOrigin,
		HumanEmail:   old.HumanEmail,
	})
}

// InjectLinkedStop delivers a peer's framed stop output into a local
// session's terminal. Called by the peer-transport consumer and by the
// local linked-stop fan-out.
func (e *Engine) InjectLinkedStop(ctx context.Context, payload protocol.LinkedStopPayload) error {
	sess, err := e.registry.Get(ctx, payload.TargetSessionID)
	if err != nil {
		return err
	}
	if sess.LifecycleStatus != store.LifecycleActive || sess.Headless() {
		return E(KindContractViolation, sess.SessionID, "peer", fmt.Errorf("session cannot receive peer input"))
	}
	frame := fmt.Sprintf("[From %s] %s", payload.FromTitle, payload.Output)
	return e.runner.SendText(ctx, sess.TmuxSessionName, frame)
}

// IdleCutoffSweep closes sessions idle past the configured window.
func (e *Engine) IdleCutoffSweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.Sweep.IdleCutoff())
	idle, err := e.stores.Sessions.IdleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range idle {
		if err := e.EndSession(ctx, sess.SessionID, "idle timeout"); err != nil {
			slog.Warn("idle close failed", "session_id", sess.SessionID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}
