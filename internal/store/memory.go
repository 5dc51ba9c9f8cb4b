package store

import (
	"context"
	"time"
)

// MemoryObservation is one session-scoped note recorded by the stop
// pipeline (a distilled turn outcome).
type MemoryObservation struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// MemorySummary is a rolled-up digest over a session's observations.
type MemorySummary struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Summary   string    `db:"summary"`
	CreatedAt time.Time `db:"created_at"`
}

// MemoryStore persists observations and summaries.
type MemoryStore interface {
	AddObservation(ctx context.Context, o *MemoryObservation) error
	ListObservations(ctx context.Context, sessionID string, limit int) ([]*MemoryObservation, error)
	AddSummary(ctx context.Context, s *MemorySummary) error
	LatestSummary(ctx context.Context, sessionID string) (*MemorySummary, error)
	DeleteForSession(ctx context.Context, sessionID string) error
}
