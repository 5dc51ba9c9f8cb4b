package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// HandleHookEvent consumes one hook-outbox envelope. Wired as the hook
// drainer's dispatch function; per-session FIFO is the worker's job, so
// this only has to handle a single event at a time.
func (e *Engine) HandleHookEvent(ctx context.Context, entry *store.HookEntry) error {
	var data protocol.HookData
	if entry.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &data); err != nil {
			return E(KindContractViolation, entry.SessionID, "hook", fmt.Errorf("malformed hook payload: %w", err))
		}
	}

	// Hook scripts identify the session by our id when they have it, or by
	// the agent's native id on later events.
	sess, err := e.registry.Resolve(ctx, entry.SessionID)
	if err != nil {
		return E(KindContractViolation, entry.SessionID, "hook", fmt.Errorf("unknown session: %w", err))
	}

	switch entry.EventType {
	case protocol.HookSessionStart:
		return e.handleSessionStart(ctx, sess, data)
	case protocol.HookPrompt:
		return e.handlePrompt(ctx, sess, data)
	case protocol.HookStop:
		return e.handleStop(ctx, sess)
	case protocol.HookNotification:
		return e.handleNotification(ctx, sess, data)
	case protocol.HookSessionEnd:
		// Reserved: record only.
		slog.Info("session_end hook recorded", "session_id", sess.SessionID)
		return nil
	default:
		return E(KindContractViolation, sess.SessionID, "hook", fmt.Errorf("unknown hook event %q", entry.EventType))
	}
}

// handleSessionStart records the agent's self-assigned identity and
// transcript location, re-keys the voice assignment under the native id,
// and moves the agent out of pending.
func (e *Engine) handleSessionStart(ctx context.Context, sess *store.Session, data protocol.HookData) error {
	idle := store.AgentStateIdle
	patch := store.SessionPatch{AgentState: &idle}
	if data.NativeSessionID != "" {
		patch.NativeSessionID = &data.NativeSessionID
	}
	if data.TranscriptPath != "" {
		patch.TranscriptPath = &data.TranscriptPath
	}
	if err := e.registry.Patch(ctx, sess.SessionID, patch); err != nil {
		return err
	}

	if e.voices != nil && data.NativeSessionID != "" {
		if err := e.voices.Rekey(ctx, sess.SessionID, data.NativeSessionID); err != nil {
			slog.Warn("voice rekey failed", "session_id", sess.SessionID, "error", err)
		}
	}

	e.broadcastActivity(sess, "started")
	return nil
}

// handlePrompt stamps the submitted prompt on the session and flips the
// agent to working.
func (e *Engine) handlePrompt(ctx context.Context, sess *store.Session, data protocol.HookData) error {
	prompt := data.Prompt
	if prompt == "" {
		prompt = data.Message
	}
	now := time.Now().UTC()
	working := store.AgentStateWorking
	patch := store.SessionPatch{
		AgentState:        &working,
		LastMessageSentAt: &now,
		LastActivity:      &now,
	}
	if prompt != "" {
		patch.LastMessageSent = &prompt
	}
	if err := e.registry.Patch(ctx, sess.SessionID, patch); err != nil {
		return err
	}
	e.broadcastActivity(sess, "working")
	return nil
}

// handleNotification surfaces an agent notification (permission request,
// attention nudge) to the session's origin adapter, plus the configured
// attention channel for out-of-band delivery.
func (e *Engine) handleNotification(ctx context.Context, sess *store.Session, data protocol.HookData) error {
	text := data.Message
	if text == "" {
		text = "Agent needs attention"
	}
	e.router.DeliverToOrigin(ctx, sess, "🔔 "+text)

	if e.notify != nil {
		subject := sess.Title
		if subject == "" {
			subject = "Session " + shortID(sess.SessionID)
		}
		if err := e.notify.NotifyAttention(ctx, subject, text); err != nil {
			slog.Warn("attention notification enqueue failed", "session_id", sess.SessionID, "error", err)
		}
	}

	e.broadcastActivity(sess, "notification")
	return nil
}

// shortID trims a session id to its first UUID group for human-facing
// text.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (e *Engine) broadcastActivity(sess *store.Session, activity string) {
	if e.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"activity": activity,
		"agent":    sess.ActiveAgent,
	})
	if err != nil {
		return
	}
	e.events.Broadcast(protocol.WSEvent{
		Type:      protocol.EventAgentActivity,
		Computer:  sess.ComputerName,
		SessionID: sess.SessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
