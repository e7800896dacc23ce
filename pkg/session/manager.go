package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultSupportedVersions lists the protocol revisions the gateway accepts
// from clients, newest first.
var DefaultSupportedVersions = []string{"2025-06-18", "2025-03-26"}

// Options configure a Manager.
type Options struct {
	// MaxIdle is the inactivity window after which a session is evicted.
	// Defaults to one hour.
	MaxIdle time.Duration
	// SupportedVersions overrides DefaultSupportedVersions when non-empty.
	SupportedVersions []string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = time.Hour
	}
	if len(opts.SupportedVersions) == 0 {
		opts.SupportedVersions = DefaultSupportedVersions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Manager creates, looks up, and expires sessions. It runs a background
// sweeper until Stop is called.
type Manager struct {
	opts      Options
	supported map[string]struct{}

	mu       sync.RWMutex
	sessions map[string]*Session

	onClosed []func(*Session)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager builds a Manager and starts its idle-eviction sweeper.
func NewManager(opts *Options) *Manager {
	options := opts.withDefaults()
	m := &Manager{
		opts:      options,
		supported: make(map[string]struct{}, len(options.SupportedVersions)),
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
	}
	for _, v := range options.SupportedVersions {
		m.supported[v] = struct{}{}
	}
	go m.sweep()
	return m
}

// Supports reports whether a client-requested protocol version is accepted.
func (m *Manager) Supports(version string) bool {
	_, ok := m.supported[version]
	return ok
}

// SupportedVersions returns the accepted protocol revisions, newest first.
func (m *Manager) SupportedVersions() []string {
	return append([]string(nil), m.opts.SupportedVersions...)
}

// Create registers a new Uninitialized session bound to the named backend.
func (m *Manager) Create(client mcp.Implementation, protocolVersion, boundServer, transport string) (*Session, error) {
	if !m.Supports(protocolVersion) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, protocolVersion)
	}
	s := newSession(client, protocolVersion, boundServer, transport)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s, nil
}

// Lookup resolves a session id and refreshes its activity timestamp.
func (m *Manager) Lookup(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	s.Touch()
	return s, nil
}

// CompleteHandshake handles the client's notifications/initialized.
func (m *Manager) CompleteHandshake(id string) error {
	s, err := m.Lookup(id)
	if err != nil {
		return err
	}
	return s.Activate()
}

// Close terminates a session immediately. Closing an unknown id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	m.notifyClosed(s)
}

// OnClosed registers a hook invoked (without the manager lock) whenever a
// session ends, via Close or idle eviction.
func (m *Manager) OnClosed(fn func(*Session)) {
	m.mu.Lock()
	m.onClosed = append(m.onClosed, fn)
	m.mu.Unlock()
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForEachBound visits every session bound to the named backend.
func (m *Manager) ForEachBound(server string, fn func(*Session)) {
	m.mu.RLock()
	bound := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.BoundServer() == server {
			bound = append(bound, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range bound {
		fn(s)
	}
}

// EvictIdle sweeps sessions inactive beyond MaxIdle and returns how many
// were closed.
func (m *Manager) EvictIdle() int {
	cutoff := time.Now().Add(-m.opts.MaxIdle)
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		m.opts.Logger.Info("session expired", "session", s.ID(), "server", s.BoundServer())
		s.close()
		m.notifyClosed(s)
	}
	return len(expired)
}

// Stop halts the sweeper. Live sessions remain valid until closed or the
// process exits.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) notifyClosed(s *Session) {
	m.mu.RLock()
	hooks := append([]func(*Session){}, m.onClosed...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

func (m *Manager) sweep() {
	interval := m.opts.MaxIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EvictIdle()
		case <-m.stopCh:
			return
		}
	}
}
