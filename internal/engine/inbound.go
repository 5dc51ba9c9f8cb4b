package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// DispatchInbound is the inbound worker's dispatch function: one claimed
// queue entry becomes one command against the target session. Returned
// error kinds drive the worker's retry decision.
func (e *Engine) DispatchInbound(ctx context.Context, entry *store.InboundEntry) error {
	sess, err := e.registry.Get(ctx, entry.SessionID)
	if err != nil {
		return E(KindContractViolation, entry.SessionID, entry.Origin, fmt.Errorf("unknown session: %w", err))
	}
	if sess.LifecycleStatus != store.LifecycleActive {
		return E(KindContractViolation, sess.SessionID, entry.Origin, fmt.Errorf("session is closed"))
	}

	switch entry.MessageType {
	case store.MessageText:
		return e.processMessage(ctx, sess, entry, entry.Content)
	case store.MessageVoice:
		return e.processVoice(ctx, sess, entry)
	case store.MessageFile:
		return e.processFile(ctx, sess, entry)
	default:
		return E(KindContractViolation, sess.SessionID, entry.Origin, fmt.Errorf("unknown message type %q", entry.MessageType))
	}
}

// processMessage is the origin-adapter dispatch pipeline: provenance,
// channel provisioning, typing, terminal injection, observer reflection.
func (e *Engine) processMessage(ctx context.Context, sess *store.Session, entry *store.InboundEntry, text string) error {
	// Provenance moves before anything outbound fires.
	if err := e.registry.Touch(ctx, sess.SessionID, entry.Origin); err != nil {
		slog.Warn("provenance touch failed", "session_id", sess.SessionID, "error", err)
	} else if entry.Origin != "" {
		sess.LastInputOrigin = entry.Origin
	}

	e.router.EnsureUIChannels(ctx, sess)

	e.router.Typing(ctx, sess, true)
	defer e.router.Typing(ctx, sess, false)

	if sess.Headless() {
		return E(KindContractViolation, sess.SessionID, entry.Origin, fmt.Errorf("session has no terminal"))
	}
	if err := e.runner.SendText(ctx, sess.TmuxSessionName, text); err != nil {
		return E(KindTransientTransport, sess.SessionID, entry.Origin, fmt.Errorf("terminal injection: %w", err))
	}

	e.router.ReflectInput(ctx, sess, text, entry.ActorName)
	return nil
}

// processVoice injects a transcribed voice message, marked so the agent
// knows it was spoken.
func (e *Engine) processVoice(ctx context.Context, sess *store.Session, entry *store.InboundEntry) error {
	transcript := entry.Content
	if transcript == "" {
		var req protocol.SendVoiceRequest
		if entry.PayloadJSON != "" {
			_ = json.Unmarshal([]byte(entry.PayloadJSON), &req)
		}
		transcript = req.Transcript
	}
	if transcript == "" {
		return E(KindContractViolation, sess.SessionID, entry.Origin, fmt.Errorf("voice message without transcript"))
	}
	return e.processMessage(ctx, sess, entry, "🎤 "+transcript)
}

// processFile announces a delivered file to the agent by path.
func (e *Engine) processFile(ctx context.Context, sess *store.Session, entry *store.InboundEntry) error {
	var req protocol.SendFileRequest
	if entry.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &req); err != nil {
			return E(KindContractViolation, sess.SessionID, entry.Origin, fmt.Errorf("malformed file payload: %w", err))
		}
	}
	if req.Path == "" {
		req.Path = entry.Content
	}
	if req.Path == "" {
		return E(KindContractViolation, sess.SessionID, entry.Origin, fmt.Errorf("file message without path"))
	}

	text := "[File received] " + req.Path
	if req.Caption != "" {
		text += " - " + req.Caption
	}
	return e.processMessage(ctx, sess, entry, text)
}

// EnqueueMessage durably queues text input for a session. Duplicate
// source ids return the existing entry id.
func (e *Engine) EnqueueMessage(ctx context.Context, sessionID string, req protocol.SendMessageRequest) (string, error) {
	if req.Text == "" {
		return "", E(KindContractViolation, sessionID, req.Origin, fmt.Errorf("empty message"))
	}
	return e.enqueue(ctx, &store.InboundEntry{
		SessionID:       sessionID,
		Origin:          originOrDefault(req.Origin),
		MessageType:     store.MessageText,
		Content:         req.Text,
		ActorID:         req.ActorID,
		ActorName:       req.ActorName,
		SourceMessageID: req.SourceMessageID,
		SourceChannelID: req.SourceChannelID,
	})
}

// EnqueueVoice durably queues a transcribed voice message.
func (e *Engine) EnqueueVoice(ctx context.Context, sessionID string, req protocol.SendVoiceRequest) (string, error) {
	if req.Transcript == "" {
		return "", E(KindContractViolation, sessionID, req.Origin, fmt.Errorf("empty transcript"))
	}
	payload, _ := json.Marshal(req)
	return e.enqueue(ctx, &store.InboundEntry{
		SessionID:   sessionID,
		Origin:      originOrDefault(req.Origin),
		MessageType: store.MessageVoice,
		Content:     req.Transcript,
		PayloadJSON: string(payload),
		ActorID:     req.ActorID,
		ActorName:   req.ActorName,
	})
}

// EnqueueFile durably queues a file delivery.
func (e *Engine) EnqueueFile(ctx context.Context, sessionID string, req protocol.SendFileRequest) (string, error) {
	if req.Path == "" {
		return "", E(KindContractViolation, sessionID, req.Origin, fmt.Errorf("empty file path"))
	}
	payload, _ := json.Marshal(req)
	return e.enqueue(ctx, &store.InboundEntry{
		SessionID:   sessionID,
		Origin:      originOrDefault(req.Origin),
		MessageType: store.MessageFile,
		Content:     req.Path,
		PayloadJSON: string(payload),
		ActorID:     req.ActorID,
		ActorName:   req.ActorName,
	})
}

func (e *Engine) enqueue(ctx context.Context, entry *store.InboundEntry) (string, error) {
	id, err := e.stores.Inbound.Enqueue(ctx, entry)
	if errors.Is(err, store.ErrDuplicate) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	if terr := e.registry.Touch(ctx, entry.SessionID, entry.Origin); terr != nil {
		slog.Warn("enqueue provenance touch failed", "session_id", entry.SessionID, "error", terr)
	}
	return id, nil
}

func originOrDefault(origin string) string {
	if origin == "" {
		return protocol.AdapterWeb
	}
	return origin
}
