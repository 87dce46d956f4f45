// Package apierr defines the stable, typed error kinds the ingest core
// surfaces to callers (§7). The RPC handlers render every failure as one of
// these, so the tool server can emit {error_kind, message} without
// string-matching error text; KindOf reports any plain error as Internal.
package apierr

import "fmt"

// Kind is one of the six stable error kinds from §7.
type Kind string

const (
	InvalidArgument Kind = "InvalidArgument"
	Overloaded      Kind = "Overloaded"
	Timeout         Kind = "Timeout"
	Unavailable     Kind = "Unavailable"
	NotFound        Kind = "NotFound"
	Internal        Kind = "Internal"
)

// retriable reports whether a kind is safe to retry with backoff.
var retriable = map[Kind]bool{
	InvalidArgument: false,
	Overloaded:      true,
	Timeout:         true,
	Unavailable:     true,
	NotFound:        false,
	Internal:        false,
}

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retriable reports whether the caller may retry this error with backoff.
func (e *Error) Retriable() bool { return retriable[e.Kind] }

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, preserving the underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// As extracts an *Error from err, returning ok=false if err is not one
// (or is nil), in which case callers should treat it as Internal.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	e, ok := err.(*Error)
	return e, ok
}

// KindOf returns the Kind of err, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}
