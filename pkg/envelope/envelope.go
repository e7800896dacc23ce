// Package envelope implements the JSON-RPC 2.0 framing shared by every
// gateway transport. An Envelope is one wire unit (request, response, or
// notification) decoded just far enough to route it; the gateway never
// interprets result payloads beyond the fields it must inspect.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Version is the only JSON-RPC version marker the gateway accepts.
const Version = "2.0"

// MaxFrameSize bounds a single newline-delimited frame on stream transports.
const MaxFrameSize = 4 << 20

// Well-known MCP method names the gateway treats specially. Everything else
// is forwarded verbatim.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Envelope is one JSON-RPC unit. ID, Params, and Result stay raw so the
// gateway can rewrite ids and forward payloads without re-encoding them.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(bytes.TrimSpace(e.ID), []byte("null"))
}

// Kind derives the envelope classification from which fields are populated.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Method != "" && e.HasID():
		return KindRequest
	case e.Method != "":
		return KindNotification
	case e.HasID() && (len(e.Result) > 0 || e.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// ServerName extracts params.server without materializing the params object.
// Empty when absent.
func (e *Envelope) ServerName() string {
	if len(e.Params) == 0 {
		return ""
	}
	return gjson.GetBytes(e.Params, "server").String()
}

// Decode parses and validates one envelope. A nil error guarantees the
// envelope has a well-formed shape (version marker present, classifiable as
// request, response, or notification).
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrMalformed, env.JSONRPC)
	}
	if env.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: not a request, response, or notification", ErrMalformed)
	}
	return &env, nil
}

// Encode serializes an envelope to a single JSON document without a trailing
// newline; stream transports append their own frame delimiter.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return data, nil
}

// NewRequest builds a request envelope with a raw id.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification envelope (no id).
func NewNotification(method string, params json.RawMessage) *Envelope {
	return &Envelope{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a success response carrying a raw result.
func NewResponse(id json.RawMessage, result json.RawMessage) *Envelope {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response. A nil id is encoded as null per
// JSON-RPC for errors that cannot be correlated to a request.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Envelope {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Envelope{JSONRPC: Version, ID: id, Error: rpcErr}
}

// NumberID renders an integer call id as a raw JSON id.
func NumberID(n int64) json.RawMessage {
	return json.RawMessage(strconv.AppendInt(nil, n, 10))
}

// ParseNumberID recovers an integer id previously produced by NumberID.
// Non-numeric ids report ok=false.
func ParseNumberID(id json.RawMessage) (int64, bool) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(id)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
