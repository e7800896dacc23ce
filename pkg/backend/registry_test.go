package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vikashloomba/mcp-citadel-go/pkg/backend"
	"github.com/vikashloomba/mcp-citadel-go/pkg/backend/backendtest"
	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
)

func testServers(names ...string) map[string]config.ServerConfig {
	servers := make(map[string]config.ServerConfig, len(names))
	for _, name := range names {
		servers[name] = &config.SocketServerConfig{Network: "unix", Address: "/nonexistent/" + name}
	}
	return servers
}

func newTestRegistry(t *testing.T, fake *backendtest.Server, names ...string) *backend.Registry {
	t.Helper()
	r := backend.NewRegistry(testServers(names...), &backend.Options{
		Dialer:           fake,
		HandshakeTimeout: 5 * time.Second,
	})
	t.Cleanup(r.CloseAll)
	return r
}

// Concurrent Gets for the same backend must coalesce onto one dial and one
// handshake, all receiving the same shared connection.
func TestGetCoalescesEstablishment(t *testing.T) {
	t.Parallel()

	fake := &backendtest.Server{}
	r := newTestRegistry(t, fake, "github")

	const workers = 16
	conns := make([]*backend.Conn, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := r.Get(context.Background(), "github")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("worker %d got a different connection", i)
		}
	}
	if fake.DialCount() != 1 {
		t.Fatalf("DialCount = %d, want 1", fake.DialCount())
	}
	if fake.InitCount() != 1 {
		t.Fatalf("InitCount = %d, want 1", fake.InitCount())
	}
	if len(conns[0].InitResult()) == 0 {
		t.Fatalf("InitResult not cached after handshake")
	}
}

func TestGetUnknownServer(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, &backendtest.Server{}, "github")
	if _, err := r.Get(context.Background(), "gitlab"); !errors.Is(err, backend.ErrServerNotFound) {
		t.Fatalf("Get(gitlab) err = %v, want ErrServerNotFound", err)
	}
	if r.Known("gitlab") {
		t.Fatalf("Known(gitlab) = true")
	}
}

// Interleaved calls from many callers must each receive their own response
// even though they share one connection and one id space.
func TestConcurrentCallsDoNotCrossWires(t *testing.T) {
	t.Parallel()

	fake := &backendtest.Server{}
	r := newTestRegistry(t, fake, "github")
	conn, err := r.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	const calls = 32
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := json.RawMessage(fmt.Sprintf(`{"marker":%d}`, i))
			resp, err := conn.Call(context.Background(), "sess", "tools/call", params)
			if err != nil {
				t.Errorf("Call %d: %v", i, err)
				return
			}
			if got := gjson.GetBytes(resp.Result, "params.marker").Int(); got != int64(i) {
				t.Errorf("call %d received marker %d", i, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, &backendtest.Server{}, "github")
	conn, err := r.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := conn.Call(ctx, "sess", backendtest.MethodBlock, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call err = %v, want DeadlineExceeded", err)
	}
}

// A dying backend must wake every pending caller with ErrUnavailable, and
// the next Get must establish a fresh connection.
func TestTeardownDrainsPendingAndReestablishes(t *testing.T) {
	t.Parallel()

	fake := &backendtest.Server{}
	r := newTestRegistry(t, fake, "github")
	conn, err := r.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	const waiters = 4
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := conn.Call(context.Background(), "sess", backendtest.MethodBlock, nil)
			errs <- err
		}()
	}
	// Give the calls a moment to land in the pending map.
	time.Sleep(20 * time.Millisecond)
	fake.CloseAll()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, backend.ErrUnavailable) {
				t.Fatalf("waiter err = %v, want ErrUnavailable", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d not woken by teardown", i)
		}
	}

	<-conn.Done()
	replacement, err := r.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get after teardown: %v", err)
	}
	if replacement == conn {
		t.Fatalf("Get returned the dead connection")
	}
	if fake.DialCount() != 2 {
		t.Fatalf("DialCount = %d, want 2", fake.DialCount())
	}
}

// A backend that rejects initialize fails the Get; the error carries the
// handshake sentinel and nothing is cached for the next attempt.
func TestHandshakeRejection(t *testing.T) {
	t.Parallel()

	fake := &backendtest.Server{}
	fake.SetInitError(envelope.NewError(envelope.CodeInternalError, "backend broken", nil))
	r := newTestRegistry(t, fake, "github")

	if _, err := r.Get(context.Background(), "github"); !errors.Is(err, backend.ErrHandshakeFailed) {
		t.Fatalf("Get err = %v, want ErrHandshakeFailed", err)
	}

	// The failed attempt is not cached; a recovered backend connects.
	fake.SetInitError(nil)
	conn, err := r.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if len(conn.InitResult()) == 0 {
		t.Fatalf("InitResult empty after recovery")
	}
}
