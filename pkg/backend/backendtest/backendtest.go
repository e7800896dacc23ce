// Package backendtest provides an in-memory MCP backend for tests: it
// implements backend.Dialer, answers the hub-side handshake, and echoes
// forwarded calls so tests can assert on exactly what reached the backend.
package backendtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
)

// MethodBlock never receives an answer; use it to exercise call timeouts.
const MethodBlock = "test/block"

// Server is a scripted backend. The zero value echoes every call.
type Server struct {
	// Handler, when set, answers non-handshake calls. Returning a non-nil
	// error produces a JSON-RPC error response.
	Handler func(method string, params json.RawMessage) (json.RawMessage, *envelope.Error)

	initCount atomic.Int32
	dialCount atomic.Int32

	mu        sync.Mutex
	conns     []net.Conn
	initError *envelope.Error
}

// SetInitError makes the backend reject (or, with nil, accept again) the
// hub's initialize.
func (s *Server) SetInitError(e *envelope.Error) {
	s.mu.Lock()
	s.initError = e
	s.mu.Unlock()
}

func (s *Server) currentInitError() *envelope.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initError
}

// Dial satisfies backend.Dialer with an in-process pipe.
func (s *Server) Dial(_ context.Context, name string, _ config.ServerConfig) (io.ReadWriteCloser, error) {
	s.dialCount.Add(1)
	client, server := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, server)
	s.mu.Unlock()
	go s.serve(name, server)
	return client, nil
}

// InitCount reports how many initialize requests the backend has seen.
func (s *Server) InitCount() int { return int(s.initCount.Load()) }

// DialCount reports how many connections were opened.
func (s *Server) DialCount() int { return int(s.dialCount.Load()) }

// Notify pushes a server-initiated notification over every live connection.
func (s *Server) Notify(method string, params json.RawMessage) {
	frame, _ := envelope.Encode(envelope.NewNotification(method, params))
	frame = append(frame, '\n')
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_, _ = c.Write(frame)
	}
}

// CloseAll severs every live connection, as a crashing backend would.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) serve(name string, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), envelope.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		env, err := envelope.Decode(line)
		if err != nil {
			continue
		}
		switch {
		case env.Kind() == envelope.KindNotification:
			// Handshake ack and forwarded notifications need no reply.
		case env.Method == envelope.MethodInitialize:
			s.initCount.Add(1)
			if rejection := s.currentInitError(); rejection != nil {
				s.reply(conn, envelope.NewErrorResponse(env.ID, rejection))
				continue
			}
			result, _ := json.Marshal(map[string]any{
				"protocolVersion": "2025-03-26",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]string{"name": "fake-" + name, "version": "1.0.0"},
			})
			s.reply(conn, envelope.NewResponse(env.ID, result))
		case env.Method == MethodBlock:
			// Deliberately silent.
		default:
			if s.Handler != nil {
				result, rpcErr := s.Handler(env.Method, env.Params)
				if rpcErr != nil {
					s.reply(conn, envelope.NewErrorResponse(env.ID, rpcErr))
				} else {
					s.reply(conn, envelope.NewResponse(env.ID, result))
				}
				continue
			}
			echo, _ := json.Marshal(map[string]json.RawMessage{
				"method": json.RawMessage(`"` + env.Method + `"`),
				"params": orEmpty(env.Params),
			})
			s.reply(conn, envelope.NewResponse(env.ID, echo))
		}
	}
}

func (s *Server) reply(conn net.Conn, env *envelope.Envelope) {
	frame, err := envelope.Encode(env)
	if err != nil {
		return
	}
	_, _ = conn.Write(append(frame, '\n'))
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
