package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks input that cannot be decoded as a JSON-RPC envelope.
var ErrMalformed = errors.New("envelope: malformed message")

// Standard JSON-RPC 2.0 error codes plus the hub's own code space in the
// -32001..-32005 range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotFound      = -32001
	CodeBackendTimeout      = -32002
	CodeBackendUnavailable  = -32003
	CodeSessionNotFound     = -32004
	CodeHandshakeIncomplete = -32005
)

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object with optional structured data. The data
// value must marshal cleanly; failures degrade to an error without data.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}
