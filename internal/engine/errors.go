package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for retry and propagation decisions.
// Only ContractViolation surfaces to API callers; every other kind is
// retried in its outbox and/or logged.
type Kind int

const (
	// KindInternal is the zero kind: unexpected failures, logged with
	// session id and lane, retried until the envelope expires.
	KindInternal Kind = iota

	// KindContractViolation covers invalid requests, unknown session ids,
	// and missing payload fields. Never retried.
	KindContractViolation

	// KindTransientTransport covers HTTP 429/5xx, Redis disconnects and
	// socket resets. Retried with backoff.
	KindTransientTransport

	// KindPlatformConstraint covers adapter-side rejections: WhatsApp
	// 24h-window violations, MarkdownV2 parse errors, Discord rate limits.
	KindPlatformConstraint

	// KindTimeout marks a cancelled suspension point; the envelope retries
	// with backoff.
	KindTimeout

	// KindPeerDelivery marks a linked-stop delivery failure to one peer.
	// Isolated per peer; never aborts the stop pipeline.
	KindPeerDelivery
)

func (k Kind) String() string {
	switch k {
	case KindContractViolation:
		return "contract_violation"
	case KindTransientTransport:
		return "transient_transport"
	case KindPlatformConstraint:
		return "platform_constraint"
	case KindTimeout:
		return "timeout"
	case KindPeerDelivery:
		return "peer_delivery"
	default:
		return "internal"
	}
}

// Retryable reports whether an envelope failing with this kind should be
// rescheduled rather than terminated.
func (k Kind) Retryable() bool {
	switch k {
	case KindContractViolation, KindPlatformConstraint:
		return false
	default:
		return true
	}
}

// Error carries the kind plus the session and lane context that every
// error log must include.
type Error struct {
	Kind      Kind
	SessionID string
	Lane      string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (session=%s lane=%s): %v", e.Kind, e.SessionID, e.Lane, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and context. Nil err yields nil.
func E(kind Kind, sessionID, lane string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, SessionID: sessionID, Lane: lane, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsContractViolation reports whether err should surface to the caller.
func IsContractViolation(err error) bool {
	return KindOf(err) == KindContractViolation
}
