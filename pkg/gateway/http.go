package gateway

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
	"github.com/vikashloomba/mcp-citadel-go/pkg/session"
)

// HTTP header names from the MCP streamable-HTTP transport.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"
)

// defaultProtocolVersion is assumed when a non-initialize request omits the
// version header.
const defaultProtocolVersion = "2025-03-26"

// handlePost carries the whole HTTP request cycle: one envelope in, at most
// one envelope out. Sessions are correlated via the Mcp-Session-Id header.
func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	if !acceptableContentType(r.Header.Get("Content-Type")) {
		writeEnvelope(w, http.StatusUnsupportedMediaType,
			envelope.NewErrorResponse(nil, envelope.NewError(envelope.CodeInvalidRequest, "content type must be application/json", nil)))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, envelope.MaxFrameSize))
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest,
			envelope.NewErrorResponse(nil, envelope.NewError(envelope.CodeInvalidRequest, "unreadable body", nil)))
		return
	}
	env, err := envelope.Decode(body)
	if err != nil {
		g.metrics.ObserveError(envelope.CodeParseError)
		writeEnvelope(w, http.StatusBadRequest,
			envelope.NewErrorResponse(nil, envelope.NewError(envelope.CodeParseError, "parse error", err.Error())))
		return
	}

	version := r.Header.Get(headerProtocolVersion)
	if version == "" {
		version = defaultProtocolVersion
	}
	if !g.sessions.Supports(version) {
		writeEnvelope(w, http.StatusBadRequest,
			envelope.NewErrorResponse(env.ID, envelope.NewError(envelope.CodeInvalidRequest, "unsupported protocol version: "+version,
				map[string]any{"supported": g.sessions.SupportedVersions()})))
		return
	}

	sessionID := r.Header.Get(headerSessionID)

	if env.Kind() == envelope.KindRequest && env.Method == envelope.MethodInitialize {
		if sessionID != "" {
			writeEnvelope(w, http.StatusBadRequest,
				envelope.NewErrorResponse(env.ID, envelope.NewError(envelope.CodeInvalidRequest, "initialize must not carry a session id", nil)))
			return
		}
		resp, created := g.router.Handle(r.Context(), "http", nil, env)
		if created != nil {
			w.Header().Set(headerSessionID, created.ID())
		}
		writeEnvelope(w, statusForResponse(resp), resp)
		return
	}

	var sess *session.Session
	if sessionID != "" {
		sess, err = g.sessions.Lookup(sessionID)
		if err != nil {
			writeEnvelope(w, http.StatusNotFound,
				envelope.NewErrorResponse(env.ID, envelope.NewError(envelope.CodeSessionNotFound, "unknown session", nil)))
			return
		}
		w.Header().Set(headerSessionID, sessionID)
	} else if env.Kind() == envelope.KindRequest {
		writeEnvelope(w, http.StatusBadRequest,
			envelope.NewErrorResponse(env.ID, envelope.NewError(envelope.CodeInvalidRequest, "missing "+headerSessionID+" header", nil)))
		return
	}

	resp, _ := g.router.Handle(r.Context(), "http", sess, env)
	if resp == nil {
		// Accepted notification, or a response owed to a session that closed.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeEnvelope(w, statusForResponse(resp), resp)
}

// handleDelete terminates the session named by the header.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" {
		writeEnvelope(w, http.StatusBadRequest,
			envelope.NewErrorResponse(nil, envelope.NewError(envelope.CodeInvalidRequest, "missing "+headerSessionID+" header", nil)))
		return
	}
	if _, err := g.sessions.Lookup(sessionID); err != nil {
		writeEnvelope(w, http.StatusNotFound,
			envelope.NewErrorResponse(nil, envelope.NewError(envelope.CodeSessionNotFound, "unknown session", nil)))
		return
	}
	g.sessions.Close(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func acceptableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// statusForResponse maps hub-produced error codes to HTTP statuses. Backend
// answers, including backend errors, are a successful relay and stay 200.
func statusForResponse(env *envelope.Envelope) int {
	if env == nil || env.Error == nil {
		return http.StatusOK
	}
	switch env.Error.Code {
	case envelope.CodeSessionNotFound:
		return http.StatusNotFound
	case envelope.CodeParseError, envelope.CodeInvalidRequest, envelope.CodeInvalidParams,
		envelope.CodeServerNotFound, envelope.CodeHandshakeIncomplete:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func writeEnvelope(w http.ResponseWriter, status int, env *envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		http.Error(w, `{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"encode failure"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
