// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the MCP listener and dispatcher.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Namespace is the Prometheus namespace (default: mcp)
	Namespace string
	// Subsystem is the Prometheus subsystem
	Subsystem string
	// HistogramBuckets are custom latency buckets in seconds
	HistogramBuckets []float64
	// ConstLabels are added to all metrics
	ConstLabels prometheus.Labels
}

// Metrics records protocol-level events into Prometheus collectors. A nil
// *Metrics is valid and records nothing, so callers need no guards.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	notificationTotal *prometheus.CounterVec
	broadcastTotal    *prometheus.CounterVec
	activeConnections prometheus.Gauge
	decodeFailures    prometheus.Counter
}

// NewMetrics creates a metrics provider with its own registry.
func NewMetrics(config MetricsConfig) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time spent dispatching inbound requests",
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Inbound requests by method and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),
		notificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "notifications_total",
			Help:        "Inbound notifications by method",
			ConstLabels: config.ConstLabels,
		}, []string{"method"}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcast_deliveries_total",
			Help:        "Broadcast notification deliveries by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Connections currently in the listener's set",
			ConstLabels: config.ConstLabels,
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "decode_failures_total",
			Help:        "Frames that failed to decode",
			ConstLabels: config.ConstLabels,
		}),
	}

	m.registry.MustRegister(
		m.requestDuration,
		m.requestTotal,
		m.notificationTotal,
		m.broadcastTotal,
		m.activeConnections,
		m.decodeFailures,
	)
	return m
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one dispatched request.
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

// RecordNotification records one dispatched inbound notification.
func (m *Metrics) RecordNotification(method string) {
	if m == nil {
		return
	}
	m.notificationTotal.WithLabelValues(method).Inc()
}

// RecordBroadcast records the outcome of one broadcast fan-out.
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	if m == nil {
		return
	}
	m.broadcastTotal.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcastTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordDecodeFailure records a frame that failed to decode.
func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// ConnectionOpened adjusts the connection gauge on accept.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// ConnectionClosed adjusts the connection gauge on close.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}
