// Package rpc defines the JSON-RPC 2.0 envelope this server speaks and
// the translation from the internal apierr taxonomy into wire-stable
// numeric error codes. The envelope is a plain encoding/json struct: a
// handful of fields, (de)serialized one line at a time.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/hrygo/dbgmux/apierr"
)

// Version is the only JSON-RPC version this server speaks.
const Version = "2.0"

// ID is a JSON-RPC request/response id: a string, a number, or null. It is
// carried as raw JSON so it round-trips exactly as the client sent it,
// without forcing every id onto one Go type.
type ID struct {
	raw json.RawMessage
}

// NewID wraps a string id.
func NewID(s string) ID { b, _ := json.Marshal(s); return ID{raw: b} }

// IsZero reports whether the id was never set (a notification has no id).
func (id ID) IsZero() bool { return len(id.raw) == 0 }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], data...)
	return nil
}

func (id ID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

// Request is one inbound JSON-RPC call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error, never both.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Notification is a server-initiated message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewNotification wraps method/params in the envelope.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// Success builds a Response carrying result for id.
func Success(id ID, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// Failure builds a Response carrying err for id.
func Failure(id ID, err *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: err}
}

// ErrorData is the optional `data` object attached to a wire error.
type ErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	CommandID string `json:"commandId,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// Error is the wire shape of a failed call: {code, message, data}.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// codeTable assigns a stable negative JSON-RPC server-error code (the
// -32000..-32099 range JSON-RPC 2.0 reserves for implementation-defined
// errors) to each apierr.Code. Codes are wire-stable; renaming a Go type
// must never change what a client sees.
var codeTable = map[apierr.Code]int{
	apierr.InvalidArgument:    -32001,
	apierr.NotFound:           -32002,
	apierr.PreconditionFailed: -32003,
	apierr.CapacityExceeded:   -32004,
	apierr.Timeout:            -32005,
	apierr.Cancelled:          -32006,
	apierr.ProcessFailed:      -32007,
	apierr.Internal:           -32000,
}

// maxMessageLen caps the wire error message at 1000 characters.
const maxMessageLen = 1000

// FromAPIError translates an *apierr.Error into the wire Error shape.
func FromAPIError(err *apierr.Error) *Error {
	code, ok := codeTable[err.Code]
	if !ok {
		code = codeTable[apierr.Internal]
	}
	msg := err.Message
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	var data *ErrorData
	if err.SessionID != "" || err.CommandID != "" || err.Hint != "" {
		data = &ErrorData{SessionID: err.SessionID, CommandID: err.CommandID, Hint: err.Hint}
	}
	return &Error{Code: code, Message: msg, Data: data}
}

// ErrParse, ErrInvalidRequest, ErrMethodNotFound and ErrInvalidParams are the
// standard JSON-RPC 2.0 protocol-level error codes, used by the transports
// before a request ever reaches the dispatcher.
var (
	ErrParse          = &Error{Code: -32700, Message: "parse error"}
	ErrInvalidRequest = &Error{Code: -32600, Message: "invalid request"}
	ErrMethodNotFound = &Error{Code: -32601, Message: "method not found"}
	ErrInvalidParams  = &Error{Code: -32602, Message: "invalid params"}
)
