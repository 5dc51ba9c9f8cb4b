package adapters

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from attackers rotating source numbers/keys.
const maxTrackedKeys = 4096

// rateLimitWindow is the sliding window duration for rate counting.
const rateLimitWindow = 60 * time.Second

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter bounds per-key request rates on public webhook
// endpoints. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	maxHits int
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter creates a bounded limiter allowing maxHits
// requests per key per minute.
func NewWebhookRateLimiter(maxHits int) *WebhookRateLimiter {
	if maxHits <= 0 {
		maxHits = 30
	}
	return &WebhookRateLimiter{maxHits: maxHits, entries: make(map[string]*rateLimitEntry)}
}

// Allow returns true if the key is within rate limits. Automatically
// prunes stale entries and enforces a hard cap on tracked keys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
