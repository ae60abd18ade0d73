// Package metrics exposes keyless-go's operational counters and gauges as a
// Prometheus registry: connection lifecycle, per-opcode request counts, and
// per-opcode wire-error counts with latency. It is wired up only when
// Config.MetricsAddr is set; a keyless.Server never requires one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keylesshq/keyless-go/pkg/keyless"
)

const namespace = "keyless"

// Metrics implements keyless.ServerMetrics against its own Prometheus
// registry, so a process can run one without polluting (or depending on)
// the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	connectionsOpen  prometheus.Gauge
	connectionsTotal prometheus.Counter
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New constructs and registers the metric set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.connectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_open",
		Help:      "Number of currently open client connections.",
	})
	m.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total number of client connections accepted.",
	})
	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of requests served, by opcode and wire error code.",
	}, []string{"opcode", "error"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time spent dispatching a single request, by opcode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"opcode"})

	m.registry.MustRegister(
		m.connectionsOpen,
		m.connectionsTotal,
		m.requestsTotal,
		m.requestDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// ConnOpened implements keyless.ServerMetrics.
func (m *Metrics) ConnOpened() {
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

// ConnClosed implements keyless.ServerMetrics.
func (m *Metrics) ConnClosed() {
	m.connectionsOpen.Dec()
}

// RequestServed implements keyless.ConnMetrics.
func (m *Metrics) RequestServed(op keyless.Opcode, code keyless.ErrorCode, dur time.Duration) {
	m.requestsTotal.WithLabelValues(op.String(), code.String()).Inc()
	m.requestDuration.WithLabelValues(op.String()).Observe(dur.Seconds())
}

// Handler returns the HTTP handler serving this registry's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ keyless.ServerMetrics = (*Metrics)(nil)
