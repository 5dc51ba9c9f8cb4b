// Package adapters defines the chat-platform adapter contract and the
// manager that owns adapter lifecycle. An adapter binds one platform
// (Telegram, Discord, WhatsApp, the web UI, MCP) to the coordination
// engine: inbound messages are normalized and durably enqueued, outbound
// deliveries land in the session's platform channel.
package adapters

import (
	"context"

	"github.com/teleclaude/teleclaude/internal/store"
)

// Message is one outbound text delivery bound to a session's channel.
type Message struct {
	Text string

	// Live asks the adapter to maintain a single in-place-edited output
	// message (standard poller mode) instead of appending a new one.
	Live bool
}

// File is one outbound document delivery.
type File struct {
	Name    string
	MIME    string
	Data    []byte
	Caption string
}

// Voice is one outbound audio delivery.
type Voice struct {
	MIME    string
	Data    []byte
	Caption string
}

// Adapter is the capability surface every platform adapter implements.
// Calls that the platform cannot express (e.g. typing on a webhook-only
// surface) return nil rather than an error.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "telegram", "discord").
	Name() string

	// Enabled reports whether the adapter is configured to run.
	Enabled() bool

	// MaxMessageLength is the platform's per-message character cap, 0 for
	// unbounded. The output pager sizes threaded deltas to the smallest cap
	// across enabled lanes.
	MaxMessageLength() int

	// Start begins receiving platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// EnsureChannel provisions the platform-side channel for the session
	// (forum topic, thread, conversation) and records its ids in the
	// session's adapter sub-record. Idempotent.
	EnsureChannel(ctx context.Context, sess *store.Session) error

	SendMessage(ctx context.Context, sess *store.Session, msg Message) error
	SendFile(ctx context.Context, sess *store.Session, f File) error
	SendVoice(ctx context.Context, sess *store.Session, v Voice) error

	// TypingIndicator toggles the platform's typing affordance.
	TypingIndicator(ctx context.Context, sess *store.Session, active bool) error

	// UpdateTitle renames the session's platform channel.
	UpdateTitle(ctx context.Context, sess *store.Session, title string) error

	// CloseChannel archives the session's channel on session close.
	CloseChannel(ctx context.Context, sess *store.Session) error

	// DeleteChannel removes the session's channel entirely.
	DeleteChannel(ctx context.Context, sess *store.Session) error

	// Broadcast posts to the adapter's home surface, outside any session.
	Broadcast(ctx context.Context, text string) error
}
