package store

import (
	"context"
	"time"
)

// VoiceAssignment pins a TTS (service, voice) pair to a key so a session
// keeps the same voice across tmux restarts. Keyed twice over its life:
// first by our session id at tmux creation, then duplicated under the
// agent's native session id when session_start delivers it. Rows expire
// after seven days.
type VoiceAssignment struct {
	Key         string    `db:"key"`
	ServiceName string    `db:"service_name"`
	Voice       string    `db:"voice"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

// VoiceStore persists voice assignments.
type VoiceStore interface {
	Get(ctx context.Context, key string) (*VoiceAssignment, error)
	Put(ctx context.Context, a *VoiceAssignment) error
	Delete(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
