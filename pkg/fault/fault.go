// Package fault defines the error kinds shared by all askbase components.
//
// Errors cross component boundaries as *fault.Error values so callers can
// branch on the kind (retry, surface, refuse) without string matching. The
// type plays well with errors.Is/As and %w wrapping.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// Validation — input violates schema or a business rule. Surface, no retry.
	Validation Kind = "validation"
	// NotFound — entity does not exist or is not visible to this workspace.
	NotFound Kind = "not_found"
	// PermissionDenied — caller is not authorized for this workspace.
	PermissionDenied Kind = "permission_denied"
	// QuotaExceeded — the quota manager refused the reservation.
	QuotaExceeded Kind = "quota_exceeded"
	// Unavailable — transient dependency failure; retry per component policy.
	Unavailable Kind = "unavailable"
	// DeadlineExceeded — the end-to-end budget was consumed.
	DeadlineExceeded Kind = "deadline_exceeded"
	// ContentFiltered — the generation provider refused the completion.
	// Callers substitute safe canned text rather than surfacing an error.
	ContentFiltered Kind = "content_filtered"
	// Corrupted — the file cannot be parsed; do not retry.
	Corrupted Kind = "corrupted"
	// Internal — programmer error or invariant violation.
	Internal Kind = "internal"
)

// Error is the sum-type error value carried between components.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a fault with no underlying cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
// A nil cause returns nil so call sites can wrap unconditionally.
func Wrap(cause error, kind Kind, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether the error is worth retrying at all.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Unavailable, DeadlineExceeded:
		return true
	default:
		return false
	}
}
