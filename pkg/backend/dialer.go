// Package backend maintains the hub's side of each named MCP server: one
// shared connection per name, established lazily, with concurrent calls from
// many sessions multiplexed over it.
package backend

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
)

// Dialer opens the raw byte stream for a configured backend. Implementations
// return a stream speaking newline-delimited JSON-RPC.
type Dialer interface {
	Dial(ctx context.Context, name string, cfg config.ServerConfig) (io.ReadWriteCloser, error)
}

// StdDialer handles both built-in backend transports: subprocesses on
// stdin/stdout and stream sockets.
type StdDialer struct{}

func (StdDialer) Dial(ctx context.Context, name string, cfg config.ServerConfig) (io.ReadWriteCloser, error) {
	switch c := cfg.(type) {
	case *config.StdioServerConfig:
		return startProcess(ctx, c)
	case *config.SocketServerConfig:
		var d net.Dialer
		conn, err := d.DialContext(ctx, c.Network, c.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", c.Network, c.Address, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("server %q: unsupported config type %T", name, cfg)
	}
}

// processRWC adapts a subprocess to io.ReadWriteCloser: writes go to its
// stdin, reads come from its stdout. Stderr is inherited so backend
// diagnostics surface in the hub's own stderr.
type processRWC struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startProcess(ctx context.Context, cfg *config.StdioServerConfig) (io.ReadWriteCloser, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", cfg.Command, err)
	}
	if err := ctx.Err(); err != nil {
		p := &processRWC{cmd: cmd, stdin: stdin, stdout: stdout}
		_ = p.Close()
		return nil, err
	}
	return &processRWC{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *processRWC) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processRWC) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close ends the subprocess. Closing stdin asks the server to exit cleanly;
// kill is the backstop so Wait cannot hang on a stuck process.
func (p *processRWC) Close() error {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}
