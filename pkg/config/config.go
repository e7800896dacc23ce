// Package config describes the hub's own settings and the set of named
// backend servers it fronts. Backend definitions mirror the familiar
// mcpServers map (command/args/env for stdio servers) and extend it with
// socket-reachable servers.
package config

import (
	"fmt"
	"time"
)

// BaseServerConfig captures settings shared by all backend transport types.
type BaseServerConfig struct {
	// Timeout bounds individual forwarded calls to this backend. Zero falls
	// back to the gateway-wide default.
	Timeout time.Duration
}

// StdioServerConfig describes a backend launched as a subprocess speaking
// newline-delimited JSON-RPC on stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) Base() *BaseServerConfig { return &c.BaseServerConfig }

// SocketServerConfig describes a backend reachable over a stream socket.
type SocketServerConfig struct {
	BaseServerConfig
	// Network is "unix" or "tcp".
	Network string
	Address string
}

func (c *SocketServerConfig) Base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific backend
// configurations.
type ServerConfig interface {
	Base() *BaseServerConfig
}

// HTTPConfig controls the HTTP transport adapter.
type HTTPConfig struct {
	Enabled        bool
	Host           string
	Port           int
	SessionTimeout time.Duration
}

// Addr renders the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is the full hub configuration.
type Config struct {
	SocketPath string
	LogLevel   string
	HTTP       HTTPConfig
	Servers    map[string]ServerConfig
}

// Default returns the configuration used when no config file is present.
// HTTP stays disabled by default; the Unix socket is always served.
func Default() *Config {
	return &Config{
		SocketPath: "/tmp/mcp-citadel.sock",
		LogLevel:   "info",
		HTTP: HTTPConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           3000,
			SessionTimeout: time.Hour,
		},
		Servers: map[string]ServerConfig{},
	}
}
