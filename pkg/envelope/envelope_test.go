package envelope

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClassifiesKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"string id request", `{"jsonrpc":"2.0","id":"abc","method":"tools/list","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"null id is notification", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.input))
			if err != nil {
				t.Fatalf("Decode(%s): %v", tc.input, err)
			}
			if env.Kind() != tc.want {
				t.Fatalf("Kind() = %v, want %v", env.Kind(), tc.want)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
	}{
		{"not json", `not json`},
		{"missing version", `{"id":1,"method":"ping"}`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{"bare id", `{"jsonrpc":"2.0","id":7}`},
		{"empty object", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.input)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode(%s) err = %v, want ErrMalformed", tc.input, err)
			}
		})
	}
}

func TestServerNameExtraction(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","server":"github"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := env.ServerName(); got != "github" {
		t.Fatalf("ServerName() = %q, want \"github\"", got)
	}

	env, err = Decode([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := env.ServerName(); got != "" {
		t.Fatalf("ServerName() = %q, want empty", got)
	}
}

func TestNewErrorResponseEncodesNullID(t *testing.T) {
	t.Parallel()

	env := NewErrorResponse(nil, NewError(CodeParseError, "parse error", nil))
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(decoded.ID) != "null" {
		t.Fatalf("id = %s, want null", decoded.ID)
	}
}

func TestNumberIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := NumberID(42)
	n, ok := ParseNumberID(id)
	if !ok || n != 42 {
		t.Fatalf("ParseNumberID(%s) = %d, %v", id, n, ok)
	}
	if _, ok := ParseNumberID(json.RawMessage(`"client-7"`)); ok {
		t.Fatalf("ParseNumberID accepted a string id")
	}
}

func TestParseInitializeParamsDefaultsClientInfo(t *testing.T) {
	t.Parallel()

	params, err := ParseInitializeParams([]byte(`{"protocolVersion":"2025-03-26","server":"files"}`))
	if err != nil {
		t.Fatalf("ParseInitializeParams: %v", err)
	}
	if params.Server != "files" || params.ProtocolVersion != "2025-03-26" {
		t.Fatalf("params not preserved: %#v", params)
	}
	if params.ClientInfo == nil || params.ClientInfo.Name != "unknown" {
		t.Fatalf("missing clientInfo not normalized: %#v", params.ClientInfo)
	}
}
