// Package apierr defines the stable error taxonomy surfaced to
// clients. Internal packages return *Error (or wrap one with
// github.com/pkg/errors) so the tool surface can translate failures into
// JSON-RPC errors without guessing at intent from a string.
package apierr

import "fmt"

// Code is one of the eight stable taxonomy codes. Wire representations
// (JSON-RPC numeric codes, HTTP status) are a concern of package rpc, not
// of this package: Code names are not meant to double as type names.
type Code string

const (
	InvalidArgument    Code = "InvalidArgument"
	NotFound           Code = "NotFound"
	PreconditionFailed Code = "PreconditionFailed"
	CapacityExceeded   Code = "CapacityExceeded"
	Timeout            Code = "Timeout"
	Cancelled          Code = "Cancelled"
	ProcessFailed      Code = "ProcessFailed"
	Internal           Code = "Internal"
)

// Error is the canonical error value passed up from session/command/
// executor packages to the tool surface.
type Error struct {
	Code      Code
	Message   string
	SessionID string
	CommandID string
	Hint      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a bare *Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSession returns a copy of e annotated with a session id.
func (e *Error) WithSession(id string) *Error {
	cp := *e
	cp.SessionID = id
	return &cp
}

// WithCommand returns a copy of e annotated with a command id.
func (e *Error) WithCommand(id string) *Error {
	cp := *e
	cp.CommandID = id
	return &cp
}

// WithHint returns a copy of e annotated with a human hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// Unwrap is implicit: Error does not wrap anything further, so callers use
// the standard library's errors.As to pull an *Error out of a chain built
// with github.com/pkg/errors (which supports Unwrap since v0.9.0).
