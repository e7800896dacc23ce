package gateway

import (
	"context"
	"sync"

	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
	"github.com/vikashloomba/mcp-citadel-go/pkg/session"
)

// streamClient is the transport-independent half of a stream connection
// (Unix socket or WebSocket): one session per connection, pushes delivered
// over the same stream, responses written under a single mutex so concurrent
// request handlers and fan-out never interleave frames.
type streamClient struct {
	g         *Gateway
	transport string
	writeMsg  func([]byte) error

	mu   sync.Mutex
	sess *session.Session

	wg sync.WaitGroup
}

func newStreamClient(g *Gateway, transport string, writeMsg func([]byte) error) *streamClient {
	return &streamClient{g: g, transport: transport, writeMsg: writeMsg}
}

func (c *streamClient) send(env *envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		c.g.logger.Error("envelope encode failed", "transport", c.transport, "error", err)
		return
	}
	if err := c.writeMsg(data); err != nil {
		c.g.logger.Debug("stream write failed", "transport", c.transport, "error", err)
	}
}

func (c *streamClient) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// handleFrame dispatches one decoded-or-not frame from the client. Requests
// on an active session run concurrently; handshake traffic stays ordered.
func (c *streamClient) handleFrame(ctx context.Context, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		c.g.metrics.ObserveError(envelope.CodeParseError)
		c.send(envelope.NewErrorResponse(nil, envelope.NewError(envelope.CodeParseError, "parse error", err.Error())))
		return
	}

	sess := c.session()
	if env.Kind() == envelope.KindRequest && env.Method != envelope.MethodInitialize &&
		sess != nil && sess.State() == session.StateActive {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if resp, _ := c.g.router.Handle(ctx, c.transport, sess, env); resp != nil {
				c.send(resp)
			}
		}()
		return
	}

	resp, created := c.g.router.Handle(ctx, c.transport, sess, env)
	if created != nil {
		c.mu.Lock()
		c.sess = created
		c.mu.Unlock()
		created.SetPush(c.send)
	}
	if resp != nil {
		c.send(resp)
	}
}

// close waits out in-flight handlers and ends the session. Called when the
// underlying connection drops.
func (c *streamClient) close() {
	c.wg.Wait()
	if sess := c.session(); sess != nil {
		c.g.sessions.Close(sess.ID())
	}
}
