package session

import (
	"errors"
	"fmt"
)

// Kind classifies a session error for HTTP mapping and retry guidance.
type Kind int

const (
	// KindInternal indicates a datastore or unexpected failure (retryable by callers).
	KindInternal Kind = iota
	// KindBadRequest indicates malformed or missing input (not retryable).
	KindBadRequest
	// KindNotFound indicates the referenced session does not exist (not retryable).
	KindNotFound
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindInternal:
		return "internal"
	default:
		return "internal"
	}
}

// Error is the typed error returned by session operations. Op names the
// failing operation, Msg is the caller-facing message, and Err holds the
// underlying cause (datastore error) when there is one.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// badRequest builds a BadRequest error for op.
func badRequest(op, msg string) *Error {
	return &Error{Op: op, Kind: KindBadRequest, Msg: msg}
}

// notFound builds a NotFound error for op.
func notFound(op, msg string) *Error {
	return &Error{Op: op, Kind: KindNotFound, Msg: msg}
}

// internal wraps a datastore failure. The underlying error is preserved for
// diagnostics and never swallowed.
func internal(op, msg string, err error) *Error {
	return &Error{Op: op, Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Msg
	}
	return "internal error"
}

// Details returns the underlying cause text, if any, for the details field of
// an error response.
func Details(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return ""
}
