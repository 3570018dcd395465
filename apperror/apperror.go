// Package apperror implements the error taxonomy of spec.md §7: a small
// set of sentinel kinds that every component wraps its causes in, so
// callers can branch with errors.Is/errors.As instead of string matching.
package apperror

import "errors"

// Kind is one of the error kinds from spec.md §7.
type Kind int

const (
	// NotFound: subscribe for an unknown identity, lookup of a user record
	// that does not exist, etc.
	NotFound Kind = iota
	// BadRequest: malformed client frame or HTTP body.
	BadRequest
	// Unauthorized: non-admin moderator command.
	Unauthorized
	// AdapterTransient: adapter I/O failure, retried internally by the
	// adapter; never propagates to the verification core.
	AdapterTransient
	// AdapterFatal: adapter misconfigured; the adapter is disabled and an
	// operator is alerted.
	AdapterFatal
	// PersistenceConflict: a write conflicted; retried once by the caller,
	// then escalated to AdapterFatal.
	PersistenceConflict
	// Internal: a bug. Logged with a code; the user sees "contact admin".
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case AdapterTransient:
		return "adapter_transient"
	case AdapterFatal:
		return "adapter_fatal"
	case PersistenceConflict:
		return "persistence_conflict"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, a stable Code (for the
// "Internal" case's admin-facing reference) and a user-safe Message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InternalErr builds an Internal error carrying a stable code, logged
// server-side and surfaced to the user only as "contact admin" (spec.md §7).
func InternalErr(code, message string, cause error) *Error {
	return &Error{Kind: Internal, Code: code, Message: message, Cause: cause}
}

// Is reports whether the first *Error found in err's chain has the given
// Kind; an *Error wrapped inside another *Error is not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
