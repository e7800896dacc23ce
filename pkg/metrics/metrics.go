// Package metrics exposes the hub's Prometheus series. Every collector lives
// on a private registry so embedding processes (and tests) never fight over
// the default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_citadel"

// Metrics bundles the hub's collectors.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	SessionsCreated *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	MessageDuration *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently alive.",
		}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created, by transport and backend server.",
		}, []string{"transport", "server"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_messages_total",
			Help:      "Forwarded MCP messages, by server, method, and outcome.",
		}, []string{"server", "method", "outcome"}),
		MessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_message_duration_seconds",
			Help:      "Round-trip latency of forwarded calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "method"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error responses produced by the hub, by JSON-RPC code.",
		}, []string{"code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one handled HTTP request.
func (m *Metrics) ObserveHTTP(method, path string, status int, dur time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(dur.Seconds())
}

// ObserveMessage records one forwarded call and its outcome ("ok" or
// "error").
func (m *Metrics) ObserveMessage(server, method, outcome string, dur time.Duration) {
	m.Messages.WithLabelValues(server, method, outcome).Inc()
	m.MessageDuration.WithLabelValues(server, method).Observe(dur.Seconds())
}

// ObserveError records one hub-produced JSON-RPC error.
func (m *Metrics) ObserveError(code int) {
	m.Errors.WithLabelValues(strconv.Itoa(code)).Inc()
}
