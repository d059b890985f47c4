// Package perr defines the semantic error kinds shared by every core
// component, and the error-kind constants carried across the wire so a
// client can tell a transient problem from a fatal one (§7).
package perr

import (
	"errors"
	"fmt"
)

// Kind is one of the semantic error categories from the design doc.
// It is never a Go type name — it is carried across the wire as its
// String() form.
type Kind int

const (
	// TransientIO is a retryable read/write that should be reposted to
	// the reactor. Never surfaced to clients.
	TransientIO Kind = iota
	// ConnectionLost means a client socket EOFed; local cleanup only.
	ConnectionLost
	// ProtocolViolation is a malformed frame, unknown version, or
	// invalid id. The connection is closed after a typed Error reply.
	ProtocolViolation
	// ResourceExhausted means a PTY, socket, or allocation could not be
	// obtained; the triggering request fails, the server stays up.
	ResourceExhausted
	// NotFound means a named session/pane/tab does not exist.
	NotFound
	// InvalidState means the operation is not valid given current state
	// (e.g. resizing a split that no longer exists).
	InvalidState
	// Fatal means corrupt persisted state, an unbindable socket, or a
	// lock already held by another live server. Logged; process exits.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case ConnectionLost:
		return "connection_lost"
	case ProtocolViolation:
		return "protocol_violation"
	case ResourceExhausted:
		return "resource_exhausted"
	case NotFound:
		return "not_found"
	case InvalidState:
		return "invalid_state"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind alongside the usual message and
// optional wrapped cause.
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

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause. If cause is nil, returns nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise
// reports the catch-all TransientIO kind used for unclassified I/O errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return TransientIO
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
