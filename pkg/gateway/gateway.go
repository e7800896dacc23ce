// Package gateway wires the transports together: an HTTP endpoint, a
// WebSocket stream, and a Unix domain socket, all dispatching through one
// router into the shared backend registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-citadel-go/pkg/backend"
	"github.com/vikashloomba/mcp-citadel-go/pkg/config"
	"github.com/vikashloomba/mcp-citadel-go/pkg/envelope"
	"github.com/vikashloomba/mcp-citadel-go/pkg/metrics"
	"github.com/vikashloomba/mcp-citadel-go/pkg/router"
	"github.com/vikashloomba/mcp-citadel-go/pkg/session"
)

// Gateway is the assembled hub: session state, backend connections, router,
// and every enabled transport.
type Gateway struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	sessions *session.Manager
	backends *backend.Registry
	router   *router.Router

	handler http.Handler

	mu     sync.Mutex
	unixLn net.Listener

	closeOnce sync.Once
}

// New assembles a Gateway over the configured backend set. Nothing listens
// until Run.
func New(servers map[string]config.ServerConfig, opts *Options) *Gateway {
	o := opts.withDefaults()
	m := metrics.New()

	sessions := session.NewManager(&session.Options{
		MaxIdle: o.SessionMaxIdle,
		Logger:  o.Logger,
	})

	// The registry's notification hook closes over rt before assignment;
	// notifications can only arrive after a Get, and every Get flows through
	// the router, so rt is always set by then.
	var rt *router.Router
	backends := backend.NewRegistry(servers, &backend.Options{
		ClientInfo:       o.Implementation,
		HandshakeTimeout: o.HandshakeTimeout,
		Dialer:           o.Dialer,
		Logger:           o.Logger,
		OnNotification: func(server string, env *envelope.Envelope) {
			rt.FanOut(server, env)
		},
	})
	rt = router.New(sessions, backends, &router.Options{
		CallTimeout:      o.CallTimeout,
		DisableBroadcast: o.DisableBroadcast,
		Metrics:          m,
		Logger:           o.Logger,
	})
	sessions.OnClosed(func(*session.Session) { m.ActiveSessions.Dec() })

	g := &Gateway{
		opts:     o,
		logger:   o.Logger,
		metrics:  m,
		sessions: sessions,
		backends: backends,
		router:   rt,
	}
	g.handler = g.buildHandler()
	return g
}

// Handler returns the HTTP handler serving the MCP endpoint, the WebSocket
// upgrade, health, and metrics. Useful for embedding and tests.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Backends exposes the backend registry.
func (g *Gateway) Backends() *backend.Registry { return g.backends }

func (g *Gateway) buildHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(g.metricsMiddleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Mcp-Session-Id", "MCP-Protocol-Version"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", g.metrics.Handler())
	r.Get(g.opts.WebSocketPath, g.handleWebSocket)

	r.Route(g.opts.Path, func(r chi.Router) {
		r.Post("/", g.handlePost)
		r.Delete("/", g.handleDelete)
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			// No server-push channel over plain HTTP.
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.metrics.ObserveHTTP(r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// Run serves every enabled transport until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	if g.opts.Addr == "" && g.opts.SocketPath == "" {
		return errors.New("gateway: no transports enabled")
	}
	eg, ctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if g.opts.Addr != "" {
		httpServer = &http.Server{
			Addr:              g.opts.Addr,
			Handler:           g.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			g.logger.Info("http transport listening", "addr", g.opts.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: http: %w", err)
			}
			return nil
		})
	}
	if g.opts.SocketPath != "" {
		ln, err := g.listenUnix()
		if err != nil {
			return err
		}
		eg.Go(func() error {
			g.logger.Info("unix transport listening", "path", g.opts.SocketPath)
			return g.serveUnix(ctx, ln)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		if httpServer != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(sctx)
		}
		g.closeUnixListener()
		return nil
	})

	err := eg.Wait()
	g.Close()
	return err
}

// Close releases all gateway resources: sweeper, backend connections, and
// the Unix socket file.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.sessions.Stop()
		g.backends.CloseAll()
		g.closeUnixListener()
		if g.opts.SocketPath != "" {
			_ = os.Remove(g.opts.SocketPath)
		}
	})
}

func (g *Gateway) listenUnix() (net.Listener, error) {
	// A stale socket file from an unclean shutdown blocks the bind.
	if _, err := os.Stat(g.opts.SocketPath); err == nil {
		_ = os.Remove(g.opts.SocketPath)
	}
	ln, err := net.Listen("unix", g.opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen unix %q: %w", g.opts.SocketPath, err)
	}
	if err := os.Chmod(g.opts.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("gateway: chmod socket: %w", err)
	}
	g.mu.Lock()
	g.unixLn = ln
	g.mu.Unlock()
	return ln, nil
}

func (g *Gateway) closeUnixListener() {
	g.mu.Lock()
	ln := g.unixLn
	g.unixLn = nil
	g.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}
