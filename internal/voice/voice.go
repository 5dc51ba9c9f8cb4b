// Package voice pins a TTS voice to each session and synthesizes speech
// for voice replies. Assignments are stored twice over a session's life:
// under our session id at creation, then duplicated under the agent's
// native session id once session_start reveals it, since hook events
// carry either key.
package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
)

// AssignmentTTL bounds how long a voice stays pinned without renewal.
const AssignmentTTL = 7 * 24 * time.Hour

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Service owns voice assignments and synthesis.
type Service struct {
	assignments store.VoiceStore
	synth       Synthesizer
	serviceName string
	pool        []string
}

// New wires the service. With no API key configured the service still
// tracks assignments but Speak reports unavailable.
func New(cfg config.TTSConfig, assignments store.VoiceStore) *Service {
	s := &Service{
		assignments: assignments,
		serviceName: "elevenlabs",
		pool:        cfg.ElevenLabs.Voices,
	}
	if cfg.ElevenLabs.APIKey != "" {
		s.synth = NewElevenLabs(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.ModelID)
	}
	return s
}

// Enabled reports whether synthesis is available.
func (s *Service) Enabled() bool { return s.synth != nil }

// Seed pins a voice from the pool under the session id. No-op when the
// pool is empty or the key already has a live assignment.
func (s *Service) Seed(ctx context.Context, sessionID string) error {
	if len(s.pool) == 0 {
		return nil
	}
	if _, err := s.assignments.Get(ctx, sessionID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	return s.assignments.Put(ctx, &store.VoiceAssignment{
		Key:         sessionID,
		ServiceName: s.serviceName,
		Voice:       s.pool[rand.IntN(len(s.pool))],
		CreatedAt:   now,
		ExpiresAt:   now.Add(AssignmentTTL),
	})
}

// Rekey duplicates the assignment under the agent's native session id.
// Both keys stay valid; the expiry window carries over unchanged. No-op
// when the original key has no live assignment.
func (s *Service) Rekey(ctx context.Context, sessionID, nativeID string) error {
	if nativeID == "" || nativeID == sessionID {
		return nil
	}
	a, err := s.assignments.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	dup := *a
	dup.Key = nativeID
	return s.assignments.Put(ctx, &dup)
}

// VoiceFor returns the voice pinned to the key, falling back to the first
// pool entry, then "".
func (s *Service) VoiceFor(ctx context.Context, key string) string {
	if a, err := s.assignments.Get(ctx, key); err == nil {
		return a.Voice
	}
	if len(s.pool) > 0 {
		return s.pool[0]
	}
	return ""
}

// Speak synthesizes text with the key's pinned voice.
func (s *Service) Speak(ctx context.Context, key, text string) ([]byte, error) {
	if s.synth == nil {
		return nil, fmt.Errorf("voice synthesis not configured")
	}
	voiceID := s.VoiceFor(ctx, key)
	if voiceID == "" {
		return nil, fmt.Errorf("no voice available for %s", key)
	}
	return s.synth.Synthesize(ctx, text, voiceID)
}

// Forget drops the assignment for a key.
func (s *Service) Forget(ctx context.Context, key string) error {
	return s.assignments.Delete(ctx, key)
}

// PurgeExpired removes assignments past their TTL.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.assignments.PurgeExpired(ctx, time.Now().UTC())
}
