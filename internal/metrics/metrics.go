// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Event streams can stay open
// for minutes, so the tail is longer than for plain API calls.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Relay modes used as label values.
const (
	RelayBuffered = "buffered"
	RelayStream   = "stream"
	RelayError    = "error"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ActiveStreams prometheus.Gauge
	RelayedBytes  *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdf2zh_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdf2zh_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdf2zh_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdf2zh_proxy_event_streams_active",
			Help: "Number of event-stream responses currently being relayed.",
		}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdf2zh_proxy_relayed_bytes_total",
			Help: "Response body bytes relayed to clients by relay mode.",
		}, []string{"relay"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdf2zh_proxy_upstream_request_duration_seconds",
			Help:    "Time until backend response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdf2zh_proxy_upstream_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdf2zh_proxy_upstream_errors_total",
			Help: "Backend requests that failed before a response arrived.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ActiveStreams,
		m.RelayedBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the gradio route prefixes kept as path labels.
var knownPrefixes = []string{
	"/assets", "/config", "/file", "/gradio_api", "/heartbeat",
	"/info", "/queue", "/run", "/static", "/theme.css", "/upload",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
// gradio serves files as "/file=<path>", so '=' also ends a prefix.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix {
			return prefix
		}
		if strings.HasPrefix(path, prefix) {
			switch path[len(prefix)] {
			case '/', '?', '=':
				return prefix
			}
		}
	}
	return "other"
}
