package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
)

// Options configure a Registry.
type Options struct {
	// ClientInfo identifies the hub in backend-side handshakes.
	ClientInfo *mcp.Implementation
	// ProtocolVersion is spoken to backends. Defaults to "2025-03-26".
	ProtocolVersion string
	// HandshakeTimeout bounds dial plus initialize for one establishment
	// attempt. Defaults to 10 seconds.
	HandshakeTimeout time.Duration
	// DialRetries is the number of extra dial attempts after the first.
	// Defaults to 3.
	DialRetries uint64
	// Dialer opens raw backend streams. Defaults to StdDialer.
	Dialer Dialer
	// OnNotification receives server-initiated notifications from any backend.
	OnNotification NotificationFunc
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientInfo == nil {
		opts.ClientInfo = &mcp.Implementation{Name: "mcp-citadel", Version: "0.1.0"}
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = "2025-03-26"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.DialRetries == 0 {
		opts.DialRetries = 3
	}
	if opts.Dialer == nil {
		opts.Dialer = StdDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// attempt is one in-flight establishment. Concurrent Gets for the same name
// wait on done instead of dialing again.
type attempt struct {
	done chan struct{}
	conn *Conn
	err  error
}

type entry struct {
	conn     *Conn
	inflight *attempt
}

// Registry owns the shared backend connections, one per configured name.
// Connections are established on first use; a failed attempt fails every
// caller waiting on it, and the next Get retries from scratch.
type Registry struct {
	opts    Options
	configs map[string]config.ServerConfig

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds a Registry over the configured backend set. No
// connections are opened until Get.
func NewRegistry(servers map[string]config.ServerConfig, opts *Options) *Registry {
	configs := make(map[string]config.ServerConfig, len(servers))
	for name, cfg := range servers {
		configs[name] = cfg
	}
	return &Registry{
		opts:    opts.withDefaults(),
		configs: configs,
		entries: make(map[string]*entry),
	}
}

// Known reports whether a backend name is configured, without connecting.
func (r *Registry) Known(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// Names lists the configured backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the configuration for a known backend.
func (r *Registry) Config(name string) (config.ServerConfig, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Get returns the live connection for name, establishing it if needed.
// Concurrent callers coalesce onto a single dial-and-handshake; losers block
// until the winner finishes and share its outcome.
func (r *Registry) Get(ctx context.Context, name string) (*Conn, error) {
	if !r.Known(name) {
		return nil, fmt.Errorf("%w: %q", ErrServerNotFound, name)
	}
	for {
		r.mu.Lock()
		e := r.entries[name]
		if e == nil {
			e = &entry{}
			r.entries[name] = e
		}
		if e.conn != nil {
			conn := e.conn
			r.mu.Unlock()
			return conn, nil
		}
		if a := e.inflight; a != nil {
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-a.done:
				if a.err != nil {
					return nil, a.err
				}
			}
			// Winner succeeded; loop to pick up the stored connection. It may
			// already have died, in which case the next pass re-establishes.
			continue
		}

		a := &attempt{done: make(chan struct{})}
		e.inflight = a
		r.mu.Unlock()

		conn, err := r.establish(ctx, name)

		r.mu.Lock()
		e.inflight = nil
		if err == nil {
			e.conn = conn
		}
		r.mu.Unlock()

		a.conn, a.err = conn, err
		close(a.done)
		return conn, err
	}
}

// establish dials with exponential backoff and runs the hub-side handshake.
// The whole attempt shares one HandshakeTimeout window.
func (r *Registry) establish(ctx context.Context, name string) (*Conn, error) {
	cfg := r.configs[name]
	actx, cancel := context.WithTimeout(ctx, r.opts.HandshakeTimeout)
	defer cancel()

	dial := func() (*Conn, error) {
		rwc, err := r.opts.Dialer.Dial(actx, name, cfg)
		if err != nil {
			return nil, err
		}
		return newConn(name, rwc, connOptions{
			logger:         r.opts.Logger,
			onNotification: r.opts.OnNotification,
			onClosed:       r.remove,
		}), nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opts.DialRetries), actx)
	conn, err := backoff.RetryWithData(dial, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnreachable, name, err)
	}

	if err := conn.handshake(actx, r.opts.ProtocolVersion, r.opts.ClientInfo); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %q: %v", ErrHandshakeFailed, name, err)
	}
	r.opts.Logger.Info("backend connected", "server", name)
	return conn, nil
}

// remove forgets a dead connection so the next Get re-establishes. Pointer
// compare guards against evicting a replacement that raced in.
func (r *Registry) remove(conn *Conn) {
	r.mu.Lock()
	if e := r.entries[conn.name]; e != nil && e.conn == conn {
		e.conn = nil
	}
	r.mu.Unlock()
}

// CloseAll tears down every live connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.entries))
	for _, e := range r.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
			e.conn = nil
		}
	}
	r.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
