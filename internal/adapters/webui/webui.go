// Package webui exposes the daemon's event stream as the "web" and "tui"
// adapter lanes. Outbound deliveries become session_output events that
// connected frontends render; inbound from frontends arrives through the
// HTTP API, not through this package. Both lanes share the WebSocket
// transport, so every frame carries its lane name and clients filter.
package webui

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Lane is one frontend delivery lane backed by the event bus.
type Lane struct {
	name    string
	enabled bool
	events  bus.Broadcaster
	running atomic.Bool
}

// NewWeb creates the browser-frontend lane.
func NewWeb(cfg *config.Config, events bus.Broadcaster) *Lane {
	return newLane(protocol.AdapterWeb, cfg, events)
}

// NewTUI creates the terminal-frontend lane.
func NewTUI(cfg *config.Config, events bus.Broadcaster) *Lane {
	return newLane(protocol.AdapterTUI, cfg, events)
}

func newLane(name string, cfg *config.Config, events bus.Broadcaster) *Lane {
	return &Lane{
		name:    name,
		enabled: cfg.Adapters.WebUI.Enabled,
		events:  events,
	}
}

func (l *Lane) Name() string { return l.name }

func (l *Lane) Enabled() bool { return l.enabled }

// MaxMessageLength is 0: frontends render arbitrarily long output, so
// these lanes never constrain the delivery window.
func (l *Lane) MaxMessageLength() int { return 0 }

// Start marks the lane live. There is no transport to open; the WebSocket
// hub is owned by the API server and fed through the shared bus.
func (l *Lane) Start(ctx context.Context) error {
	l.running.Store(true)
	return nil
}

func (l *Lane) Stop(ctx context.Context) error {
	l.running.Store(false)
	return nil
}

// EnsureChannel is a no-op: frontends key their panes by session id.
func (l *Lane) EnsureChannel(ctx context.Context, sess *store.Session) error { return nil }

func (l *Lane) SendMessage(ctx context.Context, sess *store.Session, msg adapters.Message) error {
	if !l.running.Load() {
		return nil
	}
	return l.emitOutput(sess, protocol.OutputFrame{
		Text: msg.Text,
		Live: msg.Live,
		Lane: l.name,
	})
}

// SendFile forwards metadata only. The bytes stay on the daemon host;
// frontends that want them fetch through the API.
func (l *Lane) SendFile(ctx context.Context, sess *store.Session, f adapters.File) error {
	if !l.running.Load() {
		return nil
	}
	return l.emitOutput(sess, protocol.OutputFrame{
		Text:     f.Caption,
		Lane:     l.name,
		FileName: f.Name,
		FileMIME: f.MIME,
		FileSize: len(f.Data),
	})
}

func (l *Lane) SendVoice(ctx context.Context, sess *store.Session, v adapters.Voice) error {
	if !l.running.Load() {
		return nil
	}
	return l.emitOutput(sess, protocol.OutputFrame{
		Text:     v.Caption,
		Lane:     l.name,
		FileName: voiceFileName(v.MIME),
		FileMIME: v.MIME,
		FileSize: len(v.Data),
	})
}

func (l *Lane) TypingIndicator(ctx context.Context, sess *store.Session, active bool) error {
	if !l.running.Load() {
		return nil
	}
	activity := "typing"
	if !active {
		activity = "idle"
	}
	return l.emit(sess, protocol.EventAgentActivity, map[string]string{
		"activity": activity,
		"agent":    sess.ActiveAgent,
		"lane":     l.name,
	})
}

// UpdateTitle is a no-op: frontends pick up titles from session_updated
// events published by the registry.
func (l *Lane) UpdateTitle(ctx context.Context, sess *store.Session, title string) error { return nil }

// CloseChannel is a no-op: session_closed events cover it.
func (l *Lane) CloseChannel(ctx context.Context, sess *store.Session) error { return nil }

func (l *Lane) DeleteChannel(ctx context.Context, sess *store.Session) error { return nil }

// Broadcast pushes a session-less output frame, rendered by frontends as a
// daemon-wide notice.
func (l *Lane) Broadcast(ctx context.Context, text string) error {
	if !l.running.Load() {
		return nil
	}
	raw, err := json.Marshal(protocol.OutputFrame{Text: text, Lane: l.name})
	if err != nil {
		return err
	}
	l.events.Broadcast(protocol.WSEvent{
		Type:      protocol.EventSessionOutput,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (l *Lane) emitOutput(sess *store.Session, frame protocol.OutputFrame) error {
	return l.emit(sess, protocol.EventSessionOutput, frame)
}

func (l *Lane) emit(sess *store.Session, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.events.Broadcast(protocol.WSEvent{
		Type:      eventType,
		Computer:  sess.ComputerName,
		SessionID: sess.SessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func voiceFileName(mime string) string {
	if strings.Contains(mime, "mpeg") || strings.Contains(mime, "mp3") {
		return "voice.mp3"
	}
	return "voice.ogg"
}
