package store

import "errors"

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on unique-constraint conflicts,
	// e.g. reusing a (computer_name, tmux_session_name) pair.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDuplicate is returned by idempotent enqueue when the
	// (origin, source_message_id) pair was already ingested. The returned
	// id is the existing row's id.
	ErrDuplicate = errors.New("duplicate entry")
)

// Stores aggregates every store interface behind one value, so the daemon
// wires a single dependency.
type Stores struct {
	Sessions      SessionStore
	AdapterMeta   AdapterMetaStore
	Inbound       InboundQueueStore
	HookOutbox    HookOutboxStore
	Links         LinkStore
	Listeners     ListenerStore
	Notifications NotificationStore
	Webhooks      WebhookStore
	Voice         VoiceStore
	Memory        MemoryStore
	Settings      SettingsStore
}
