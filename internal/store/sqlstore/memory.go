package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/store"
)

// MemoryStore is the SQL-backed observation/summary memory.
type MemoryStore struct {
	db *DB
}

// NewMemoryStore creates a memory store over db.
func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

func (s *MemoryStore) AddObservation(ctx context.Context, o *store.MemoryObservation) error {
	if o.ID == "" {
		o.ID = uuid.Must(uuid.NewV7()).String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	q := s.db.Rebind(`INSERT INTO memory_observations (id, session_id, content, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, o.ID, o.SessionID, o.Content, o.CreatedAt); err != nil {
		return fmt.Errorf("add observation: %w", err)
	}
	return nil
}

func (s *MemoryStore) ListObservations(ctx context.Context, sessionID string, limit int) ([]*store.MemoryObservation, error) {
	q := `SELECT id, session_id, content, created_at FROM memory_observations
		WHERE session_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	var out []*store.MemoryObservation
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), sessionID); err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return out, nil
}

func (s *MemoryStore) AddSummary(ctx context.Context, sum *store.MemorySummary) error {
	if sum.ID == "" {
		sum.ID = uuid.Must(uuid.NewV7()).String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = now()
	}
	q := s.db.Rebind(`INSERT INTO memory_summaries (id, session_id, summary, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, sum.ID, sum.SessionID, sum.Summary, sum.CreatedAt); err != nil {
		return fmt.Errorf("add summary: %w", err)
	}
	return nil
}

func (s *MemoryStore) LatestSummary(ctx context.Context, sessionID string) (*store.MemorySummary, error) {
	var sum store.MemorySummary
	q := s.db.Rebind(`SELECT id, session_id, summary, created_at FROM memory_summaries
		WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &sum, q, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	return &sum, nil
}

func (s *MemoryStore) DeleteForSession(ctx context.Context, sessionID string) error {
	for _, table := range []string{"memory_observations", "memory_summaries"} {
		q := s.db.Rebind(`DELETE FROM ` + table + ` WHERE session_id = ?`)
		if _, err := s.db.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
