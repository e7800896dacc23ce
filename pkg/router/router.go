// Package router dispatches client envelopes: it drives the session
// handshake, forwards requests to the bound backend with ids rewritten, and
// fans backend-initiated notifications back out to push-capable sessions.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/vikashloomba/mcp-citadel-go/pkg/backend"
	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
	"github.com/vikashloomba/mcp-citadel-go/pkg/metrics"
	"github.com/vikashloomba/mcp-citadel-go/pkg/session"
)

// Options configure a Router.
type Options struct {
	// CallTimeout bounds a forwarded call when the backend's own config sets
	// no timeout. Defaults to 30 seconds.
	CallTimeout time.Duration
	// DisableBroadcast drops backend-initiated notifications instead of
	// fanning them out.
	DisableBroadcast bool
	// Metrics receives per-message observations when non-nil.
	Metrics *metrics.Metrics
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Router glues the session manager to the backend registry.
type Router struct {
	sessions *session.Manager
	backends *backend.Registry
	opts     Options
}

// New builds a Router over existing session and backend state.
func New(sessions *session.Manager, backends *backend.Registry, opts *Options) *Router {
	return &Router{
		sessions: sessions,
		backends: backends,
		opts:     opts.withDefaults(),
	}
}

// Sessions exposes the session manager to transports.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// Backends exposes the backend registry to transports.
func (r *Router) Backends() *backend.Registry { return r.backends }

// Handle processes one client envelope. sess is nil until the transport has
// a session for the caller; only initialize is valid then. The returned
// envelope is nil when nothing is owed to the client (accepted notifications,
// or a session that closed mid-call). The returned session is non-nil exactly
// when this envelope created one.
func (r *Router) Handle(ctx context.Context, transport string, sess *session.Session, env *envelope.Envelope) (*envelope.Envelope, *session.Session) {
	switch env.Kind() {
	case envelope.KindRequest:
		if env.Method == envelope.MethodInitialize {
			resp, created := r.initialize(ctx, transport, sess, env)
			return resp, created
		}
		return r.forwardRequest(ctx, sess, env), nil
	case envelope.KindNotification:
		r.handleNotification(ctx, sess, env)
		return nil, nil
	case envelope.KindResponse:
		// Clients have nothing to respond to; the hub never pushes requests.
		r.opts.Logger.Warn("dropping response from client", "id", string(env.ID))
		return nil, nil
	default:
		return r.fail(env.ID, envelope.CodeInvalidRequest, "invalid request", nil), nil
	}
}

func (r *Router) initialize(ctx context.Context, transport string, sess *session.Session, env *envelope.Envelope) (*envelope.Envelope, *session.Session) {
	if sess != nil {
		return r.fail(env.ID, envelope.CodeInvalidRequest, "session already initialized", nil), nil
	}
	params, err := envelope.ParseInitializeParams(env.Params)
	if err != nil {
		return r.fail(env.ID, envelope.CodeInvalidParams, "malformed initialize params", err.Error()), nil
	}
	if params.Server == "" {
		return r.fail(env.ID, envelope.CodeInvalidParams, "initialize params missing server", nil), nil
	}
	if !r.backends.Known(params.Server) {
		return r.fail(env.ID, envelope.CodeServerNotFound, "unknown server: "+params.Server, nil), nil
	}
	if !r.sessions.Supports(params.ProtocolVersion) {
		return r.fail(env.ID, envelope.CodeInvalidParams, "unsupported protocol version: "+params.ProtocolVersion,
			map[string]any{"supported": r.sessions.SupportedVersions()}), nil
	}

	conn, err := r.backends.Get(ctx, params.Server)
	if err != nil {
		r.opts.Logger.Warn("backend establishment failed", "server", params.Server, "error", err)
		return r.fail(env.ID, envelope.CodeBackendUnavailable, "backend unavailable: "+params.Server, err.Error()), nil
	}

	created, err := r.sessions.Create(*params.ClientInfo, params.ProtocolVersion, params.Server, transport)
	if err != nil {
		return r.fail(env.ID, envelope.CodeInternalError, "session creation failed", err.Error()), nil
	}
	if err := created.ResultRelayed(); err != nil {
		r.sessions.Close(created.ID())
		return r.fail(env.ID, envelope.CodeInternalError, "session state error", err.Error()), nil
	}
	if m := r.opts.Metrics; m != nil {
		m.SessionsCreated.WithLabelValues(transport, params.Server).Inc()
		m.ActiveSessions.Inc()
	}
	r.opts.Logger.Info("session created",
		"session", created.ID(), "server", params.Server,
		"transport", transport, "client", params.ClientInfo.Name)
	return envelope.NewResponse(env.ID, conn.InitResult()), created
}

func (r *Router) handleNotification(ctx context.Context, sess *session.Session, env *envelope.Envelope) {
	if sess == nil {
		r.opts.Logger.Warn("dropping notification without session", "method", env.Method)
		return
	}
	if env.Method == envelope.MethodInitialized {
		if err := r.sessions.CompleteHandshake(sess.ID()); err != nil {
			r.opts.Logger.Warn("initialized notification out of order",
				"session", sess.ID(), "state", sess.State().String(), "error", err)
		}
		return
	}
	if sess.State() != session.StateActive {
		r.opts.Logger.Warn("dropping notification before handshake completed",
			"session", sess.ID(), "method", env.Method)
		return
	}
	conn, err := r.backends.Get(ctx, sess.BoundServer())
	if err != nil {
		r.opts.Logger.Warn("dropping notification, backend unavailable",
			"session", sess.ID(), "server", sess.BoundServer(), "error", err)
		return
	}
	if err := conn.Notify(env.Method, env.Params); err != nil {
		r.opts.Logger.Warn("notification forward failed",
			"session", sess.ID(), "server", sess.BoundServer(), "error", err)
	}
}

func (r *Router) forwardRequest(ctx context.Context, sess *session.Session, env *envelope.Envelope) *envelope.Envelope {
	if sess == nil {
		return r.fail(env.ID, envelope.CodeHandshakeIncomplete, "initialize required", nil)
	}
	sess.Touch()
	if sess.State() != session.StateActive {
		return r.fail(env.ID, envelope.CodeHandshakeIncomplete,
			"handshake incomplete: session is "+sess.State().String(), nil)
	}
	if name := env.ServerName(); name != "" && name != sess.BoundServer() {
		return r.fail(env.ID, envelope.CodeInvalidParams,
			"session is bound to server "+sess.BoundServer(), nil)
	}
	if env.Method == envelope.MethodPing {
		return envelope.NewResponse(env.ID, json.RawMessage(`{}`))
	}

	server := sess.BoundServer()
	conn, err := r.backends.Get(ctx, server)
	if err != nil {
		if errors.Is(err, backend.ErrServerNotFound) {
			return r.fail(env.ID, envelope.CodeServerNotFound, "unknown server: "+server, nil)
		}
		return r.fail(env.ID, envelope.CodeBackendUnavailable, "backend unavailable: "+server, err.Error())
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout(server))
	defer cancel()

	start := time.Now()
	resp, err := conn.Call(cctx, sess.ID(), env.Method, env.Params)
	elapsed := time.Since(start)

	if sess.State() == session.StateClosed {
		// Nobody left to answer; the backend's work is discarded.
		r.opts.Logger.Debug("discarding response for closed session",
			"session", sess.ID(), "method", env.Method)
		return nil
	}

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		r.observe(server, env.Method, "error", elapsed)
		return r.fail(env.ID, envelope.CodeBackendTimeout, "backend timed out: "+server, nil)
	case errors.Is(err, backend.ErrUnavailable):
		r.observe(server, env.Method, "error", elapsed)
		return r.fail(env.ID, envelope.CodeBackendUnavailable, "backend connection lost: "+server, nil)
	case errors.Is(err, context.Canceled):
		return nil
	default:
		r.observe(server, env.Method, "error", elapsed)
		return r.fail(env.ID, envelope.CodeInternalError, "forward failed", err.Error())
	}

	if resp.Error != nil {
		r.observe(server, env.Method, "error", elapsed)
		return envelope.NewErrorResponse(env.ID, resp.Error)
	}
	r.observe(server, env.Method, "ok", elapsed)
	return envelope.NewResponse(env.ID, resp.Result)
}

// FanOut delivers a backend-initiated notification to every active session
// bound to that server whose transport can push. Wired as the registry's
// notification hook.
func (r *Router) FanOut(server string, env *envelope.Envelope) {
	if r.opts.DisableBroadcast {
		return
	}
	delivered := 0
	r.sessions.ForEachBound(server, func(s *session.Session) {
		if s.Push(env) {
			delivered++
		}
	})
	r.opts.Logger.Debug("backend notification fanned out",
		"server", server, "method", env.Method, "delivered", delivered)
}

func (r *Router) callTimeout(server string) time.Duration {
	if cfg, ok := r.backends.Config(server); ok {
		if t := cfg.Base().Timeout; t > 0 {
			return t
		}
	}
	return r.opts.CallTimeout
}

func (r *Router) observe(server, method, outcome string, dur time.Duration) {
	if m := r.opts.Metrics; m != nil {
		m.ObserveMessage(server, method, outcome, dur)
	}
}

func (r *Router) fail(id json.RawMessage, code int, message string, data any) *envelope.Envelope {
	if m := r.opts.Metrics; m != nil {
		m.ObserveError(code)
	}
	return envelope.NewErrorResponse(id, envelope.NewError(code, message, data))
}
