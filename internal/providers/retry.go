package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig bounds the retry loop around provider HTTP calls.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the standard provider retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// HTTPError is a non-200 provider response. RetryAfter carries the parsed
// Retry-After header when the server sent one.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds or
// HTTP-date). Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryDo runs fn with exponential backoff. Only retryable HTTP errors
// and transport failures are retried; a 4xx other than 429 fails fast.
// A server-provided Retry-After overrides the computed delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			return zero, err
		}

		wait := delay
		if httpErr != nil && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
