package gateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-citadel-go/pkg/backend"
)

// Options configure a Gateway.
type Options struct {
	// Addr is the HTTP listen address. Empty disables the HTTP transport.
	Addr string
	// Path is the HTTP endpoint for MCP traffic. Defaults to "/mcp".
	Path string
	// WebSocketPath is the HTTP endpoint upgraded to a WebSocket stream.
	// Defaults to "/ws".
	WebSocketPath string
	// SocketPath is the Unix socket path. Empty disables the socket transport.
	SocketPath string
	// Implementation identifies the hub in backend handshakes.
	Implementation *mcp.Implementation
	// SessionMaxIdle is the inactivity window before a session is evicted.
	// Defaults to one hour.
	SessionMaxIdle time.Duration
	// HandshakeTimeout bounds backend establishment. Defaults to 10 seconds.
	HandshakeTimeout time.Duration
	// CallTimeout bounds forwarded calls for backends without their own
	// timeout. Defaults to 30 seconds.
	CallTimeout time.Duration
	// AllowedOrigins restricts browser access for CORS and WebSocket
	// upgrades. Defaults to localhost origins.
	AllowedOrigins []string
	// DisableBroadcast drops backend-initiated notifications instead of
	// pushing them to stream sessions.
	DisableBroadcast bool
	// Dialer overrides how backend streams are opened. Defaults to
	// backend.StdDialer.
	Dialer backend.Dialer
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = "/ws"
	}
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{Name: "mcp-citadel", Version: "0.1.0"}
	}
	if opts.SessionMaxIdle <= 0 {
		opts.SessionMaxIdle = time.Hour
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
			"https://localhost:*",
			"https://127.0.0.1:*",
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
