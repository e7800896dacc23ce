package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vikashloomba/mcp-citadel-go/pkg/backend"
	"github.com/vikashloomba/mcp-citadel-go/pkg/backend/backendtest"
	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
	"github.com/vikashloomba/mcp-citadel-go/pkg/router"
	"github.com/vikashloomba/mcp-citadel-go/pkg/session"
)

type fixture struct {
	fake     *backendtest.Server
	sessions *session.Manager
	router   *router.Router
}

func newFixture(t *testing.T, opts *router.Options, names ...string) *fixture {
	t.Helper()
	fake := &backendtest.Server{}
	servers := make(map[string]config.ServerConfig, len(names))
	for _, name := range names {
		servers[name] = &config.SocketServerConfig{Network: "unix", Address: "/nonexistent/" + name}
	}
	sessions := session.NewManager(nil)
	t.Cleanup(sessions.Stop)
	backends := backend.NewRegistry(servers, &backend.Options{Dialer: fake})
	t.Cleanup(backends.CloseAll)
	return &fixture{
		fake:     fake,
		sessions: sessions,
		router:   router.New(sessions, backends, opts),
	}
}

func initRequest(id, server string) *envelope.Envelope {
	params := json.RawMessage(fmt.Sprintf(
		`{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1.0"},"server":%q}`, server))
	return envelope.NewRequest(json.RawMessage(id), envelope.MethodInitialize, params)
}

// activeSession drives the full handshake and returns an Active session.
func (f *fixture) activeSession(t *testing.T) *session.Session {
	t.Helper()
	resp, sess := f.router.Handle(context.Background(), "test", nil, initRequest("1", "github"))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize response = %+v", resp)
	}
	if sess == nil {
		t.Fatalf("initialize created no session")
	}
	f.router.Handle(context.Background(), "test", sess, envelope.NewNotification(envelope.MethodInitialized, nil))
	if sess.State() != session.StateActive {
		t.Fatalf("session state = %v, want active", sess.State())
	}
	return sess
}

func TestInitializeCreatesSessionAndRelaysResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	resp, sess := f.router.Handle(context.Background(), "test", nil, initRequest("42", "github"))
	if sess == nil {
		t.Fatalf("no session created")
	}
	if sess.State() != session.StateAwaitingInitialized {
		t.Fatalf("state = %v, want awaiting-initialized", sess.State())
	}
	if string(resp.ID) != "42" {
		t.Fatalf("response id = %s, want 42", resp.ID)
	}
	if got := gjson.GetBytes(resp.Result, "serverInfo.name").String(); got != "fake-github" {
		t.Fatalf("serverInfo.name = %q", got)
	}
	if sess.BoundServer() != "github" {
		t.Fatalf("bound server = %q", sess.BoundServer())
	}
}

func TestInitializeUnknownServer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	resp, sess := f.router.Handle(context.Background(), "test", nil, initRequest("1", "gitlab"))
	if sess != nil {
		t.Fatalf("session created for unknown server")
	}
	if resp.Error == nil || resp.Error.Code != envelope.CodeServerNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, envelope.CodeServerNotFound)
	}
	if f.fake.DialCount() != 0 {
		t.Fatalf("unknown server triggered a dial")
	}
}

func TestInitializeMissingServerParam(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	env := envelope.NewRequest(json.RawMessage("1"), envelope.MethodInitialize,
		json.RawMessage(`{"protocolVersion":"2025-03-26"}`))
	resp, _ := f.router.Handle(context.Background(), "test", nil, env)
	if resp.Error == nil || resp.Error.Code != envelope.CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, envelope.CodeInvalidParams)
	}
}

func TestRequestBeforeHandshakeCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	resp, sess := f.router.Handle(context.Background(), "test", nil, initRequest("1", "github"))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}

	// tools/list while still awaiting notifications/initialized.
	env := envelope.NewRequest(json.RawMessage("2"), "tools/list", nil)
	resp, _ = f.router.Handle(context.Background(), "test", sess, env)
	if resp.Error == nil || resp.Error.Code != envelope.CodeHandshakeIncomplete {
		t.Fatalf("error = %+v, want code %d", resp.Error, envelope.CodeHandshakeIncomplete)
	}
}

func TestForwardRewritesIDsAcrossSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	a := f.activeSession(t)
	b := f.activeSession(t)
	if f.fake.DialCount() != 1 {
		t.Fatalf("DialCount = %d, want one shared connection", f.fake.DialCount())
	}

	// Both sessions use the same client-side id. Each must get its own
	// response back under that id.
	var wg sync.WaitGroup
	for _, tc := range []struct {
		sess   *session.Session
		marker string
	}{{a, "alpha"}, {b, "beta"}} {
		wg.Add(1)
		go func(s *session.Session, marker string) {
			defer wg.Done()
			env := envelope.NewRequest(json.RawMessage("7"), "tools/call",
				json.RawMessage(fmt.Sprintf(`{"marker":%q}`, marker)))
			resp, _ := f.router.Handle(context.Background(), "test", s, env)
			if resp == nil || resp.Error != nil {
				t.Errorf("%s: response = %+v", marker, resp)
				return
			}
			if string(resp.ID) != "7" {
				t.Errorf("%s: id = %s, want 7", marker, resp.ID)
			}
			if got := gjson.GetBytes(resp.Result, "params.marker").String(); got != marker {
				t.Errorf("%s: received %q", marker, got)
			}
		}(tc.sess, tc.marker)
	}
	wg.Wait()
}

func TestForwardRejectsForeignServerParam(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github", "files")
	sess := f.activeSession(t)

	env := envelope.NewRequest(json.RawMessage("3"), "tools/list", json.RawMessage(`{"server":"files"}`))
	resp, _ := f.router.Handle(context.Background(), "test", sess, env)
	if resp.Error == nil || resp.Error.Code != envelope.CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, envelope.CodeInvalidParams)
	}

	// Naming the bound server explicitly is fine.
	env = envelope.NewRequest(json.RawMessage("4"), "tools/list", json.RawMessage(`{"server":"github"}`))
	resp, _ = f.router.Handle(context.Background(), "test", sess, env)
	if resp.Error != nil {
		t.Fatalf("bound-server request failed: %+v", resp.Error)
	}
}

func TestForwardTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &router.Options{CallTimeout: 30 * time.Millisecond}, "github")
	sess := f.activeSession(t)

	env := envelope.NewRequest(json.RawMessage("5"), backendtest.MethodBlock, nil)
	resp, _ := f.router.Handle(context.Background(), "test", sess, env)
	if resp.Error == nil || resp.Error.Code != envelope.CodeBackendTimeout {
		t.Fatalf("error = %+v, want code %d", resp.Error, envelope.CodeBackendTimeout)
	}
}

func TestBackendDeathSurfacesAsUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	sess := f.activeSession(t)

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env := envelope.NewRequest(json.RawMessage("6"), backendtest.MethodBlock, nil)
		resp, _ := f.router.Handle(context.Background(), "test", sess, env)
		done <- resp
	}()
	time.Sleep(20 * time.Millisecond)
	f.fake.CloseAll()

	select {
	case resp := <-done:
		if resp.Error == nil || resp.Error.Code != envelope.CodeBackendUnavailable {
			t.Fatalf("error = %+v, want code %d", resp.Error, envelope.CodeBackendUnavailable)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("forwarded call not woken by backend death")
	}
}

func TestPingAnsweredLocally(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github")
	sess := f.activeSession(t)
	dials := f.fake.DialCount()

	env := envelope.NewRequest(json.RawMessage("8"), envelope.MethodPing, nil)
	resp, _ := f.router.Handle(context.Background(), "test", sess, env)
	if resp == nil || resp.Error != nil {
		t.Fatalf("ping response = %+v", resp)
	}
	if f.fake.DialCount() != dials {
		t.Fatalf("ping reached the backend")
	}
}

func TestFanOutReachesOnlyBoundActiveSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "github", "files")
	bound := f.activeSession(t)

	got := make(chan *envelope.Envelope, 1)
	bound.SetPush(func(env *envelope.Envelope) { got <- env })

	f.router.FanOut("github", envelope.NewNotification("notifications/tools/list_changed", nil))
	select {
	case env := <-got:
		if env.Method != "notifications/tools/list_changed" {
			t.Fatalf("pushed method = %q", env.Method)
		}
	default:
		t.Fatalf("bound session received no push")
	}

	f.router.FanOut("files", envelope.NewNotification("notifications/tools/list_changed", nil))
	select {
	case env := <-got:
		t.Fatalf("unbound fan-out delivered %q", env.Method)
	default:
	}
}
