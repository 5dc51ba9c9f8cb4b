package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/teleclaude/teleclaude/internal/store"
)

// VoiceStore is the SQL-backed voice-assignment table.
type VoiceStore struct {
	db *DB
}

// NewVoiceStore creates a voice store over db.
func NewVoiceStore(db *DB) *VoiceStore {
	return &VoiceStore{db: db}
}

// Get returns the assignment for key if it has not expired.
func (s *VoiceStore) Get(ctx context.Context, key string) (*store.VoiceAssignment, error) {
	var a store.VoiceAssignment
	q := s.db.Rebind(`SELECT key, service_name, voice, created_at, expires_at
		FROM voice_assignments WHERE key = ? AND expires_at > ?`)
	err := s.db.GetContext(ctx, &a, q, key, now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voice assignment: %w", err)
	}
	return &a, nil
}

func (s *VoiceStore) Put(ctx context.Context, a *store.VoiceAssignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = a.CreatedAt.Add(7 * 24 * time.Hour)
	}
	q := s.db.Rebind(`INSERT INTO voice_assignments
			(key, service_name, voice, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			service_name = excluded.service_name,
			voice = excluded.voice,
			expires_at = excluded.expires_at`)
	if _, err := s.db.ExecContext(ctx, q,
		a.Key, a.ServiceName, a.Voice, a.CreatedAt, a.ExpiresAt); err != nil {
		return fmt.Errorf("put voice assignment: %w", err)
	}
	return nil
}

func (s *VoiceStore) Delete(ctx context.Context, key string) error {
	q := s.db.Rebind(`DELETE FROM voice_assignments WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("delete voice assignment: %w", err)
	}
	return nil
}

func (s *VoiceStore) PurgeExpired(ctx context.Context, at time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM voice_assignments WHERE expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, q, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge voice assignments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
