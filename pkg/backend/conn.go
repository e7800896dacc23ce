package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
)

// NotificationFunc receives server-initiated notifications read off a backend
// connection.
type NotificationFunc func(server string, env *envelope.Envelope)

// call is one in-flight request awaiting the backend's response.
type call struct {
	sessionID string
	method    string
	ch        chan *envelope.Envelope
}

// Conn is the single shared connection to one backend server. Requests from
// any number of sessions are written with hub-assigned numeric ids, so client
// id collisions across sessions cannot be confused on the wire; each caller
// blocks in Call until its own response arrives.
type Conn struct {
	name   string
	rwc    io.ReadWriteCloser
	logger *slog.Logger

	onNotification NotificationFunc
	onClosed       func(*Conn)

	nextID atomic.Int64

	wmu sync.Mutex // serializes frame writes

	mu         sync.Mutex
	pending    map[int64]*call
	closed     bool
	initResult json.RawMessage

	done      chan struct{}
	closeOnce sync.Once
}

type connOptions struct {
	logger         *slog.Logger
	onNotification NotificationFunc
	onClosed       func(*Conn)
}

func newConn(name string, rwc io.ReadWriteCloser, opts connOptions) *Conn {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	c := &Conn{
		name:           name,
		rwc:            rwc,
		logger:         opts.logger,
		onNotification: opts.onNotification,
		onClosed:       opts.onClosed,
		pending:        make(map[int64]*call),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the configured backend name.
func (c *Conn) Name() string { return c.name }

// InitResult returns the backend's cached InitializeResult, replayed to every
// session that initializes against this backend after the first.
func (c *Conn) InitResult() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult
}

// Call forwards one request and blocks until the backend answers, ctx
// expires, or the connection dies. The envelope returned may itself carry a
// JSON-RPC error object; that is the backend's answer, not a transport
// failure.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params json.RawMessage) (*envelope.Envelope, error) {
	id := c.nextID.Add(1)
	rec := &call{sessionID: sessionID, method: method, ch: make(chan *envelope.Envelope, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		c.teardown(fmt.Errorf("backend %s: call id %d already pending", c.name, id))
		return nil, ErrUnavailable
	}
	c.pending[id] = rec
	c.mu.Unlock()

	if err := c.write(envelope.NewRequest(envelope.NumberID(id), method, params)); err != nil {
		c.forget(id)
		c.teardown(err)
		return nil, fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}

	select {
	case resp := <-rec.ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		// A response may have raced teardown; prefer it.
		select {
		case resp := <-rec.ch:
			return resp, nil
		default:
		}
		c.forget(id)
		return nil, ErrUnavailable
	}
}

// Notify forwards a fire-and-forget notification.
func (c *Conn) Notify(method string, params json.RawMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrUnavailable
	}
	if err := c.write(envelope.NewNotification(method, params)); err != nil {
		c.teardown(err)
		return fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}
	return nil
}

// Close tears the connection down and wakes every pending caller with
// ErrUnavailable.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// handshake runs the hub's own MCP initialization against the backend and
// caches the InitializeResult. Called exactly once, by the registry, before
// the connection is handed to any session.
func (c *Conn) handshake(ctx context.Context, protocolVersion string, clientInfo *mcp.Implementation) error {
	resp, err := c.Call(ctx, "", envelope.MethodInitialize, envelope.MarshalInitializeParams(protocolVersion, clientInfo))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %w", resp.Error)
	}
	c.mu.Lock()
	c.initResult = resp.Result
	c.mu.Unlock()
	return c.Notify(envelope.MethodInitialized, nil)
}

func (c *Conn) write(env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rwc.Write(data)
	return err
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 64*1024), envelope.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		env, err := envelope.Decode(line)
		if err != nil {
			c.logger.Warn("backend sent malformed frame", "server", c.name, "error", err)
			continue
		}
		switch env.Kind() {
		case envelope.KindResponse:
			c.resolve(env)
		case envelope.KindNotification:
			if c.onNotification != nil {
				c.onNotification(c.name, env)
			}
		default:
			c.logger.Warn("dropping unexpected frame from backend", "server", c.name, "kind", env.Kind().String())
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.teardown(err)
}

func (c *Conn) resolve(env *envelope.Envelope) {
	id, ok := envelope.ParseNumberID(env.ID)
	if !ok {
		c.logger.Warn("backend response with non-numeric id", "server", c.name, "id", string(env.ID))
		return
	}
	c.mu.Lock()
	rec, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !found {
		c.logger.Warn("backend response matches no pending call", "server", c.name, "id", id)
		return
	}
	rec.ch <- env
}

func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		abandoned := c.pending
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
		_ = c.rwc.Close()
		if cause != nil && !errors.Is(cause, io.EOF) {
			c.logger.Warn("backend connection lost", "server", c.name, "pending", len(abandoned), "error", cause)
		} else {
			c.logger.Info("backend connection closed", "server", c.name, "pending", len(abandoned))
		}
		for id, rec := range abandoned {
			c.logger.Debug("abandoning in-flight call", "server", c.name, "id", id, "session", rec.sessionID, "method", rec.method)
		}
		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
}
