package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// InitializeParams carries the fields of an MCP initialize request the
// gateway inspects. Capabilities pass through untouched, and the hub-specific
// server field selects which backend the new session binds to.
type InitializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    json.RawMessage     `json:"capabilities,omitempty"`
	ClientInfo      *mcp.Implementation `json:"clientInfo,omitempty"`
	Server          string              `json:"server,omitempty"`
}

// ParseInitializeParams decodes initialize params. ClientInfo is optional and
// informational; a missing object is normalized to an anonymous client.
func ParseInitializeParams(raw json.RawMessage) (*InitializeParams, error) {
	var params InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("envelope: initialize params: %w", err)
		}
	}
	if params.ClientInfo == nil {
		params.ClientInfo = &mcp.Implementation{Name: "unknown", Version: "0.0.0"}
	}
	return &params, nil
}

// MarshalInitializeParams renders the params for the gateway's own
// backend-side initialize request.
func MarshalInitializeParams(protocolVersion string, clientInfo *mcp.Implementation) json.RawMessage {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      clientInfo,
	}
	raw, _ := json.Marshal(&params)
	return raw
}
