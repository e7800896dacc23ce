package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
)

// serveUnix accepts local clients on the Unix socket. Each connection speaks
// newline-delimited JSON-RPC and owns at most one session.
func (g *Gateway) serveUnix(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go g.serveUnixConn(ctx, conn)
	}
}

func (g *Gateway) serveUnixConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var wmu sync.Mutex
	client := newStreamClient(g, "unix", func(data []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_, err := conn.Write(append(data, '\n'))
		return err
	})
	defer client.close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), envelope.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		client.handleFrame(ctx, line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		g.logger.Debug("unix connection read error", "error", err)
	}
}
