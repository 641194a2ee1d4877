// Package broker implements the trade engine: the public operation
// surface that sequences validation, mutation, re-read, and response
// assembly for every ledger operation.
package broker

import "fmt"

// Kind classifies an operation failure. Only upstream failures are
// server errors; everything else is returned to the caller unlogged.
type Kind int

const (
	// KindValidation is a bad input shape or type.
	KindValidation Kind = iota

	// KindRejected is an expected business-rule rejection: insufficient
	// funds or position, margin breach, market closed, duplicate
	// registration, missing watch.
	KindRejected

	// KindAuth is an invalid API key, from the core's own key check or
	// from the backend rejecting a mutation.
	KindAuth

	// KindNotFound is an unknown user id.
	KindNotFound

	// KindUpstream is a price oracle or persistence failure. Logged as
	// a server error and surfaced generically.
	KindUpstream
)

// Error is a structured operation failure. Extra carries contextual
// values (user snapshot, attempted amounts) for business-rule rejections
// so the caller can display them; it is merged into the response
// envelope alongside status and message.
type Error struct {
	Kind    Kind
	Message string
	Extra   map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

func errValidation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func errRejected(message string, extra map[string]any) *Error {
	return &Error{Kind: KindRejected, Message: message, Extra: extra}
}

func errAuth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func errNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func errUpstream(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, wrapped: err}
}
