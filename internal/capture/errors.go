package capture

import (
	"context"
	"errors"
	"fmt"
)

// Render failure classes. Classification drives the orchestrator retry
// policy, so renderer implementations must wrap one of these sentinels.
var (
	// ErrUnreachable covers DNS and connection-level failures.
	ErrUnreachable = errors.New("target unreachable")
	// ErrRenderTimeout means the deadline elapsed before the page settled.
	ErrRenderTimeout = errors.New("render deadline exceeded")
	// ErrRenderCrash means the browser engine died mid-render.
	ErrRenderCrash = errors.New("render engine crashed")
	// ErrBlocked means the target answered with a non-2xx final response.
	ErrBlocked = errors.New("target returned non-success response")
)

// Infrastructure and verification errors.
var (
	// ErrTransient marks a store/network failure the caller should back off
	// and retry.
	ErrTransient = errors.New("transient infrastructure failure")
	// ErrNotFound is returned for unknown schedule or capture identifiers.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey means an idempotency key already owns a capture record.
	// The store enforces this uniquely so racing claimers cannot both insert.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrNotVerifiable means the record is not in succeeded state.
	ErrNotVerifiable = errors.New("capture not verifiable")
	// ErrUnavailable means the artifact could not be read back, which is
	// distinct from a digest mismatch.
	ErrUnavailable = errors.New("artifact unavailable")
)

// RenderClass names a render failure class for records and metrics.
type RenderClass string

// Render failure class labels.
const (
	ClassUnreachable RenderClass = "Unreachable"
	ClassTimeout     RenderClass = "Timeout"
	ClassRenderCrash RenderClass = "RenderCrash"
	ClassBlocked     RenderClass = "Blocked"
	ClassUnknown     RenderClass = "Unknown"
)

// ClassifyRender maps a render error to its failure class.
func ClassifyRender(err error) RenderClass {
	switch {
	case errors.Is(err, ErrRenderTimeout) || errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrUnreachable):
		return ClassUnreachable
	case errors.Is(err, ErrRenderCrash):
		return ClassRenderCrash
	case errors.Is(err, ErrBlocked):
		return ClassBlocked
	default:
		return ClassUnknown
	}
}

// Blocked builds an ErrBlocked carrying the final HTTP status.
func Blocked(status int) error {
	return fmt.Errorf("%w: status %d", ErrBlocked, status)
}

// IsTransient reports whether err should be handled with caller backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
