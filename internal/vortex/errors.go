package vortex

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrKind classifies an upstream failure. Retry and backoff decisions
// branch on the kind, never on raw status codes or error strings.
type ErrKind int

const (
	// KindTransient covers timeouts, connection errors and 5xx; the
	// batcher may retry these.
	KindTransient ErrKind = iota
	// KindThrottled is a 429; the holder must extend the endpoint gate
	// before releasing.
	KindThrottled
	// KindAuthExpired is a 401/403; non-retryable, triggers the session
	// reload hook.
	KindAuthExpired
	// KindMalformed is any other 4xx or an undecodable body; terminal.
	KindMalformed
)

func (k ErrKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindThrottled:
		return "throttled"
	case KindAuthExpired:
		return "auth_expired"
	case KindMalformed:
		return "malformed"
	}
	return "unknown"
}

// Error is a classified upstream failure.
type Error struct {
	Kind   ErrKind
	Status int
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vortex %s: %s (status=%d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("vortex %s: %s (status=%d)", e.Op, e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain. Unclassified
// errors (network failures wrapped by net/http) count as transient.
func KindOf(err error) ErrKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the batcher may retry the failure.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindThrottled
}

func classifyStatus(status int) ErrKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindThrottled
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthExpired
	case status >= 500:
		return KindTransient
	default:
		return KindMalformed
	}
}
