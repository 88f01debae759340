// Package metrics exposes census pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Detection loop
	DetectionPasses  atomic.Uint64
	DetectionErrors  atomic.Uint64
	DetectionLatency atomic.Uint64 // last pass, in ms

	// Census
	CustomersCreated     atomic.Uint64
	CustomersDeactivated atomic.Uint64

	// Snapshots
	SnapshotsCaptured atomic.Uint64
	SnapshotsSkipped  atomic.Uint64
	SnapshotsDropped  atomic.Uint64

	// Ingress proxy
	ProxyRequests atomic.Uint64
	ProxyErrors   atomic.Uint64

	ActiveStreams atomic.Int64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	counter("footfall_detection_passes_total", "Detection passes completed", &m.DetectionPasses)
	counter("footfall_detection_errors_total", "Detection passes that failed and were skipped", &m.DetectionErrors)
	counter("footfall_customers_created_total", "Customer identities created", &m.CustomersCreated)
	counter("footfall_customers_deactivated_total", "Customer identities deactivated", &m.CustomersDeactivated)
	counter("footfall_snapshots_captured_total", "Snapshots encoded and stored", &m.SnapshotsCaptured)
	counter("footfall_snapshots_skipped_total", "Snapshots skipped for degenerate crop geometry", &m.SnapshotsSkipped)
	counter("footfall_snapshots_dropped_total", "Snapshot jobs dropped because the queue was full", &m.SnapshotsDropped)
	counter("footfall_proxy_requests_total", "Requests served by the ingress proxy", &m.ProxyRequests)
	counter("footfall_proxy_errors_total", "Ingress proxy requests that failed upstream", &m.ProxyErrors)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "footfall_detection_latency_ms",
			Help: "Duration of the most recent detection pass in milliseconds",
		},
		func() float64 { return float64(m.DetectionLatency.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "footfall_active_streams",
			Help: "Streams with a running detection loop",
		},
		func() float64 { return float64(m.ActiveStreams.Load()) },
	))
}

// ObserveDetection records one completed detection pass.
func (m *Metrics) ObserveDetection(d time.Duration) {
	if m == nil {
		return
	}
	m.DetectionPasses.Add(1)
	m.DetectionLatency.Store(uint64(d.Milliseconds()))
}

// IncDetectionErrors records a failed detection pass.
func (m *Metrics) IncDetectionErrors() {
	if m != nil {
		m.DetectionErrors.Add(1)
	}
}

// AddCensus records identity lifecycle changes.
func (m *Metrics) AddCensus(created, deactivated int) {
	if m == nil {
		return
	}
	m.CustomersCreated.Add(uint64(created))
	m.CustomersDeactivated.Add(uint64(deactivated))
}

// IncSnapshot records a snapshot outcome: captured, or skipped when the
// crop was degenerate.
func (m *Metrics) IncSnapshot(captured bool) {
	if m == nil {
		return
	}
	if captured {
		m.SnapshotsCaptured.Add(1)
	} else {
		m.SnapshotsSkipped.Add(1)
	}
}

// IncSnapshotDropped records a snapshot job rejected by a full queue.
func (m *Metrics) IncSnapshotDropped() {
	if m != nil {
		m.SnapshotsDropped.Add(1)
	}
}

// IncProxy records one proxied request and whether it failed.
func (m *Metrics) IncProxy(failed bool) {
	if m == nil {
		return
	}
	m.ProxyRequests.Add(1)
	if failed {
		m.ProxyErrors.Add(1)
	}
}

// StreamStarted and StreamStopped track the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m != nil {
		m.ActiveStreams.Add(1)
	}
}

func (m *Metrics) StreamStopped() {
	if m != nil {
		m.ActiveStreams.Add(-1)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
