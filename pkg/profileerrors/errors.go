// Package profileerrors defines the error-kind taxonomy shared across the
// profile-memory engine, following the teacher's pattern of small concrete
// error structs wrapping an underlying cause.
package profileerrors

import "fmt"

// Kind classifies an error for logging and control-flow decisions.
type Kind int

const (
	// InvalidInput marks malformed caller arguments: empty lists,
	// non-positive limits, unknown builder names. Raised synchronously;
	// never logged as a surprise.
	InvalidInput Kind = iota
	// ExternalServiceError marks an embedder/LLM/storage upstream failure.
	ExternalServiceError
	// NotFound marks a storage lookup miss where presence was required.
	NotFound
	// Conflict marks a cyclic resource dependency or a duplicate add.
	Conflict
	// ParseError marks LLM output unreadable after repair and scanning.
	ParseError
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case ExternalServiceError:
		return "external_service_error"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind, a message, and an optional
// wrapped cause.
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

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
