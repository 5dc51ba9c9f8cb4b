// Package sessions is the session registry service: minting, lookup,
// patching, and closing of coordinated sessions, including the tmux pane
// each non-headless session runs in.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/tmux"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// VoiceSeeder pins a TTS voice to a freshly minted session. Optional;
// sessions work fine without one.
type VoiceSeeder interface {
	Seed(ctx context.Context, sessionID string) error
}

// Registry coordinates session records with their tmux panes.
type Registry struct {
	sessions store.SessionStore
	meta     store.AdapterMetaStore
	runner   tmux.Runner
	cfg      *config.Config
	events   bus.Publisher
	voices   VoiceSeeder
}

// NewRegistry wires the registry. voices may be nil.
func NewRegistry(stores *store.Stores, runner tmux.Runner, cfg *config.Config, events bus.Publisher, voices VoiceSeeder) *Registry {
	return &Registry{
		sessions: stores.Sessions,
		meta:     stores.AdapterMeta,
		runner:   runner,
		cfg:      cfg,
		events:   events,
		voices:   voices,
	}
}

// Session creation blocks on tmux + agent startup; give it room.
const createTimeout = 30 * time.Second

// Create mints a session and, unless headless, launches its agent inside
// a new tmux pane. A tmux-name conflict surfaces store.ErrAlreadyExists
// unchanged; the caller decides whether to reuse or re-mint.
func (r *Registry) Create(ctx context.Context, req protocol.CreateSessionRequest) (*store.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	agent := req.Agent
	if agent == "" {
		agent = r.cfg.DefaultAgent
	}
	computer := req.ComputerName
	if computer == "" {
		computer = r.cfg.ComputerName
	}

	sess := &store.Session{
		SessionID:        uuid.Must(uuid.NewV7()).String(),
		ComputerName:     computer,
		Title:            req.Title,
		LastInputOrigin:  req.Origin,
		ActiveAgent:      agent,
		ThinkingMode:     req.ThinkingMode,
		ProjectPath:      req.ProjectPath,
		Subdir:           req.Subdir,
		InitiatorSession: req.InitiatorSession,
		HumanEmail:       req.HumanEmail,
		HumanRole:        req.HumanRole,
	}
	if !req.Headless {
		sess.TmuxSessionName = mintTmuxName(sess.SessionID)
	}

	if err := r.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	if !req.Headless {
		if err := r.launch(ctx, sess); err != nil {
			// The record exists but the pane does not; close rather than
			// leave a session nothing can talk to.
			_ = r.sessions.Close(context.WithoutCancel(ctx), sess.SessionID, "tmux launch failed")
			return nil, fmt.Errorf("launch agent: %w", err)
		}
	}

	if r.voices != nil {
		if err := r.voices.Seed(ctx, sess.SessionID); err != nil {
			slog.Warn("voice seed failed", "session_id", sess.SessionID, "error", err)
		}
	}

	r.publish(protocol.EventSessionStarted, sess)
	return sess, nil
}

// mintTmuxName derives a unique pane name from the session id.
func mintTmuxName(sessionID string) string {
	short := strings.ReplaceAll(sessionID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return "tc-" + short
}

func (r *Registry) launch(ctx context.Context, sess *store.Session) error {
	command, args, extraEnv := r.cfg.AgentCommand(sess.ActiveAgent)
	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}

	dir := config.ExpandHome(sess.ProjectPath)
	if sess.Subdir != "" {
		dir = filepath.Join(dir, sess.Subdir)
	}

	env := map[string]string{
		"TELECLAUDE_SESSION_ID": sess.SessionID,
	}
	if sess.ThinkingMode != "" {
		env["TELECLAUDE_THINKING_MODE"] = sess.ThinkingMode
	}
	for k, v := range extraEnv {
		env[k] = v
	}

	return r.runner.NewSession(ctx, sess.TmuxSessionName, dir, line, env)
}

// Relaunch restarts the agent process inside the session's pane name.
// The old pane is killed first; kill failures on an already-dead pane are
// expected and swallowed.
func (r *Registry) Relaunch(ctx context.Context, sess *store.Session) error {
	if err := r.runner.KillSession(ctx, sess.TmuxSessionName); err != nil {
		slog.Debug("kill before relaunch failed", "session_id", sess.SessionID, "error", err)
	}
	return r.launch(ctx, sess)
}

// Get returns the session or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	return r.sessions.Get(ctx, id)
}

// GetByNativeID resolves a session by the id the agent CLI assigned itself.
func (r *Registry) GetByNativeID(ctx context.Context, nativeID string) (*store.Session, error) {
	return r.sessions.GetByNativeID(ctx, nativeID)
}

// Resolve finds a session by our id first, then by native id. Hook
// envelopes may carry either.
func (r *Registry) Resolve(ctx context.Context, id string) (*store.Session, error) {
	sess, err := r.sessions.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	return r.sessions.GetByNativeID(ctx, id)
}

// Touch admits input: last_activity and last_input_origin move together
// in one write so provenance never decouples from liveness.
func (r *Registry) Touch(ctx context.Context, id, origin string) error {
	now := time.Now().UTC()
	patch := store.SessionPatch{LastActivity: &now}
	if origin != "" {
		patch.LastInputOrigin = &origin
	}
	return r.sessions.Update(ctx, id, patch)
}

// Patch applies a partial update and publishes session_updated.
func (r *Registry) Patch(ctx context.Context, id string, patch store.SessionPatch) error {
	if err := r.sessions.Update(ctx, id, patch); err != nil {
		return err
	}
	if sess, err := r.sessions.Get(ctx, id); err == nil {
		r.publish(protocol.EventSessionUpdated, sess)
	}
	return nil
}

// SetAgentState flips the idle/working sub-state.
func (r *Registry) SetAgentState(ctx context.Context, id, state string) error {
	return r.sessions.Update(ctx, id, store.SessionPatch{AgentState: &state})
}

// Close marks the session closed and kills its pane. Idempotent.
func (r *Registry) Close(ctx context.Context, id, reason string) error {
	sess, err := r.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.sessions.Close(ctx, id, reason); err != nil {
		return err
	}
	if !sess.Headless() {
		if err := r.runner.KillSession(ctx, sess.TmuxSessionName); err != nil {
			slog.Warn("kill tmux session failed", "session_id", id, "tmux", sess.TmuxSessionName, "error", err)
		}
	}
	sess.LifecycleStatus = store.LifecycleClosed
	r.publish(protocol.EventSessionClosed, sess)
	return nil
}

// List returns sessions matching the filter.
func (r *Registry) List(ctx context.Context, f store.SessionFilter) ([]*store.Session, error) {
	return r.sessions.List(ctx, f)
}

// FindCustomer locates the active session for a customer identifier.
func (r *Registry) FindCustomer(ctx context.Context, origin, identifier string) (*store.Session, error) {
	return r.sessions.FindCustomer(ctx, origin, identifier)
}

// FindByTopic locates the active session bound to an adapter's forum topic.
func (r *Registry) FindByTopic(ctx context.Context, adapter string, topicID int64) (*store.Session, error) {
	return r.sessions.FindByTopic(ctx, adapter, topicID)
}

// FindByThread locates the active session bound to an adapter's thread.
func (r *Registry) FindByThread(ctx context.Context, adapter, threadID string) (*store.Session, error) {
	return r.sessions.FindByThread(ctx, adapter, threadID)
}

// Escalate promotes the session to a human relay.
func (r *Registry) Escalate(ctx context.Context, id, email, role string) error {
	if role == "" {
		role = store.RoleMember
	}
	return r.Patch(ctx, id, store.SessionPatch{HumanEmail: &email, HumanRole: &role})
}

// Computers lists distinct hosts with active sessions.
func (r *Registry) Computers(ctx context.Context) ([]store.ComputerCount, error) {
	return r.sessions.Computers(ctx)
}

// Projects lists distinct project paths with active sessions.
func (r *Registry) Projects(ctx context.Context) ([]store.ProjectCount, error) {
	return r.sessions.Projects(ctx)
}

// AdapterMeta returns the per-adapter sub-record, or a zero-value record
// bound to (sessionID, adapter) when none exists yet.
func (r *Registry) AdapterMeta(ctx context.Context, sessionID, adapter string) (*store.AdapterMeta, error) {
	m, err := r.meta.Get(ctx, sessionID, adapter)
	if err == store.ErrNotFound {
		return &store.AdapterMeta{SessionID: sessionID, Adapter: adapter}, nil
	}
	return m, err
}

// UpsertAdapterMeta writes a per-adapter sub-record.
func (r *Registry) UpsertAdapterMeta(ctx context.Context, m *store.AdapterMeta) error {
	return r.meta.Upsert(ctx, m)
}

// ListAdapterMeta returns every adapter sub-record of the session.
func (r *Registry) ListAdapterMeta(ctx context.Context, sessionID string) ([]*store.AdapterMeta, error) {
	return r.meta.ListForSession(ctx, sessionID)
}

func (r *Registry) publish(eventType string, sess *store.Session) {
	if r.events == nil {
		return
	}
	payload, err := json.Marshal(Info(sess))
	if err != nil {
		return
	}
	r.events.Broadcast(protocol.WSEvent{
		Type:      eventType,
		Computer:  sess.ComputerName,
		SessionID: sess.SessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// Info converts a store session to its API shape.
func Info(s *store.Session) protocol.SessionInfo {
	return protocol.SessionInfo{
		SessionID:         s.SessionID,
		ComputerName:      s.ComputerName,
		TmuxSessionName:   s.TmuxSessionName,
		Title:             s.Title,
		LastInputOrigin:   s.LastInputOrigin,
		ActiveAgent:       s.ActiveAgent,
		ThinkingMode:      s.ThinkingMode,
		LifecycleStatus:   s.LifecycleStatus,
		AgentState:        s.AgentState,
		ProjectPath:       s.ProjectPath,
		Subdir:            s.Subdir,
		InitiatorSession:  s.InitiatorSession,
		HumanEmail:        s.HumanEmail,
		HumanRole:         s.HumanRole,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.LastActivity,
		ClosedAt:          s.ClosedAt,
		LastOutputSummary: s.LastOutputSummary,
		NativeSessionID:   s.NativeSessionID,
	}
}
