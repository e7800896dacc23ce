// Package session tracks client-visible conversations: their handshake
// state, negotiated protocol version, and the backend server they are bound
// to. Sessions are owned exclusively by the Manager; transports hold ids.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
)

var (
	// ErrNotFound is returned when a session id is unknown or expired.
	ErrNotFound = errors.New("session: not found")
	// ErrUnsupportedVersion is returned when initialize names a protocol
	// version outside the supported set.
	ErrUnsupportedVersion = errors.New("session: unsupported protocol version")
	// ErrClosed is returned for operations on a session that already ended.
	ErrClosed = errors.New("session: closed")
	// ErrHandshakeOrder is returned when a state transition is attempted out
	// of handshake order.
	ErrHandshakeOrder = errors.New("session: handshake out of order")
)

// State is the session lifecycle phase.
type State int

const (
	// StateUninitialized covers the window between session creation and the
	// backend InitializeResult being relayed to the client.
	StateUninitialized State = iota
	// StateAwaitingInitialized means the client has its InitializeResult but
	// has not yet acknowledged it with notifications/initialized.
	StateAwaitingInitialized
	// StateActive sessions may issue arbitrary calls.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingInitialized:
		return "awaiting-initialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PushFunc delivers a backend-initiated envelope to the session's client.
// Only stream transports register one; HTTP sessions have no push channel.
type PushFunc func(*envelope.Envelope)

// Session is one client conversation. All mutators are safe for concurrent
// use.
type Session struct {
	id        string
	transport string
	createdAt time.Time

	mu              sync.Mutex
	state           State
	protocolVersion string
	client          mcp.Implementation
	boundServer     string
	lastActivity    time.Time
	push            PushFunc
}

// ID returns the opaque session token.
func (s *Session) ID() string { return s.id }

// Transport names the adapter that created the session ("http", "unix",
// "websocket").
func (s *Session) Transport() string { return s.transport }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the version negotiated at initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// BoundServer returns the backend name fixed at initialize.
func (s *Session) BoundServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundServer
}

// ClientInfo returns the informational client identity.
func (s *Session) ClientInfo() mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Touch records activity for idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent touch time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ResultRelayed advances Uninitialized to AwaitingInitialized once the
// backend's InitializeResult has been handed to the client.
func (s *Session) ResultRelayed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUninitialized:
		s.state = StateAwaitingInitialized
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrHandshakeOrder
	}
}

// Activate transitions AwaitingInitialized to Active upon the client's
// notifications/initialized. Re-activation of an Active session is a no-op:
// resending the notification is harmless.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAwaitingInitialized, StateActive:
		s.state = StateActive
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrHandshakeOrder
	}
}

// SetPush registers (or clears, with nil) the push delivery channel.
func (s *Session) SetPush(fn PushFunc) {
	s.mu.Lock()
	s.push = fn
	s.mu.Unlock()
}

// Push delivers a backend-initiated envelope when the session is Active and
// its transport supports push. Reports whether delivery was attempted.
func (s *Session) Push(env *envelope.Envelope) bool {
	s.mu.Lock()
	fn := s.push
	ok := s.state == StateActive && fn != nil
	s.mu.Unlock()
	if !ok {
		return false
	}
	fn(env)
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	s.state = StateClosed
	s.push = nil
	s.mu.Unlock()
}

func newSession(client mcp.Implementation, protocolVersion, boundServer, transport string) *Session {
	now := time.Now()
	return &Session{
		id:              uuid.NewString(),
		transport:       transport,
		createdAt:       now,
		state:           StateUninitialized,
		protocolVersion: protocolVersion,
		client:          client,
		boundServer:     boundServer,
		lastActivity:    now,
	}
}
