// Package metrics holds the prometheus registry for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every gateway metric.
type Registry struct {
	registry *prometheus.Registry

	// Upstream HTTP fan-in
	UpstreamCalls   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	GateWait        *prometheus.HistogramVec
	BatchSize       prometheus.Histogram

	// Cache tiers
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Tick fan-out
	TicksDecoded  *prometheus.CounterVec
	TicksDropped  *prometheus.CounterVec
	ClientDrops   prometheus.Counter
	Reconnects    prometheus.Counter
	UpstreamSubs  prometheus.Gauge
	ClientConns   prometheus.Gauge
	IngestorState prometheus.Gauge

	// Client surface
	Events       *prometheus.CounterVec
	EventErrors  *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec
}

// New builds and registers the full metric set.
func New() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		UpstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_upstream_calls_total",
				Help: "Upstream HTTP calls by endpoint and result kind",
			},
			[]string{"endpoint", "result"},
		),
		UpstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vortexgw_upstream_latency_seconds",
				Help:    "Upstream HTTP call latency",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint"},
		),
		GateWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vortexgw_gate_wait_seconds",
				Help:    "Time spent waiting on the distributed endpoint gate",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vortexgw_batch_pairs",
				Help:    "Pairs per coalesced upstream quote call",
				Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000},
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_cache_hits_total",
				Help: "Quote cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_cache_misses_total",
				Help: "Quote cache misses by tier",
			},
			[]string{"tier"},
		),

		TicksDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_ticks_decoded_total",
				Help: "Binary tick records decoded by schema",
			},
			[]string{"schema"},
		),
		TicksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_ticks_dropped_total",
				Help: "Ticks dropped by reason",
			},
			[]string{"reason"},
		),
		ClientDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vortexgw_client_queue_drops_total",
				Help: "Oldest-tick drops from full client outbound queues",
			},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vortexgw_upstream_reconnects_total",
				Help: "Upstream WebSocket reconnect attempts",
			},
		),
		UpstreamSubs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vortexgw_upstream_subscriptions",
				Help: "Distinct pairs currently subscribed upstream",
			},
		),
		ClientConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vortexgw_client_connections",
				Help: "Open client push-channel connections",
			},
		),
		IngestorState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vortexgw_ingestor_state",
				Help: "Ingestor connection state (0=disconnected 1=connecting 2=connected 3=streaming)",
			},
		),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_client_events_total",
				Help: "Push-channel events received by type",
			},
			[]string{"event"},
		),
		EventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_client_event_errors_total",
				Help: "Push-channel error frames emitted by code",
			},
			[]string{"code"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vortexgw_http_requests_total",
				Help: "Client HTTP API requests by route and status",
			},
			[]string{"route", "status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.UpstreamCalls, m.UpstreamLatency, m.GateWait, m.BatchSize,
		m.CacheHits, m.CacheMisses,
		m.TicksDecoded, m.TicksDropped, m.ClientDrops, m.Reconnects,
		m.UpstreamSubs, m.ClientConns, m.IngestorState,
		m.Events, m.EventErrors, m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
