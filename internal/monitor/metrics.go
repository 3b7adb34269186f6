// Package monitor implements the hub's self-observation: Prometheus
// instruments, periodic resource sampling, trend and anomaly analysis,
// alerting and auto-mitigation hooks.
package monitor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the hub exports. A dedicated registry
// keeps tests free of global registration conflicts.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished   *prometheus.CounterVec
	FramesDelivered   *prometheus.CounterVec
	FramesFiltered    *prometheus.CounterVec
	BackpressureDrops *prometheus.CounterVec
	AggregatorDrops   prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec

	Disconnects prometheus.Counter

	ClusterPublished prometheus.Counter
	ClusterReceived  prometheus.Counter
	ClusterDiscarded prometheus.Counter
	ClusterErrors    prometheus.Counter

	ConnectionsActive        prometheus.Gauge
	ConnectionsAuthenticated prometheus.Gauge
	ConnectionsHealthy       prometheus.Gauge
	RoomsActive              prometheus.Gauge

	ResponseTime prometheus.Histogram
	EventLatency prometheus.Histogram
	QueueDepth   prometheus.Histogram

	requests atomic.Int64
	errors   atomic.Int64
}

// NewMetrics constructs and registers every instrument.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_events_published_total",
			Help: "Domain events accepted by the dispatcher, by kind.",
		}, []string{"kind"}),
		FramesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_frames_delivered_total",
			Help: "Frames enqueued to client outbound queues, by kind.",
		}, []string{"kind"}),
		FramesFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_frames_filtered_total",
			Help: "Frames dropped by subscription preferences, by kind.",
		}, []string{"kind"}),
		BackpressureDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_backpressure_drop",
			Help: "Frames dropped because a connection outbound queue was full.",
		}, []string{"kind"}),
		AggregatorDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_drop",
			Help: "Events shed by the aggregator when a target buffer overflowed.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_errors_total",
			Help: "Errors observed, by class.",
		}, []string{"class"}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_disconnects_total",
			Help: "Connections torn down, regardless of cause.",
		}),
		ClusterPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_cluster_published_total",
			Help: "Events mirrored onto the cluster substrate.",
		}),
		ClusterReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_cluster_received_total",
			Help: "Events received from remote nodes.",
		}),
		ClusterDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_cluster_discarded_total",
			Help: "Remote events discarded by the origin-node loop guard.",
		}),
		ClusterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_cluster_errors_total",
			Help: "Cluster substrate publish or decode failures.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Live connections.",
		}),
		ConnectionsAuthenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connections_authenticated",
			Help: "Live connections with a non-anonymous principal.",
		}),
		ConnectionsHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connections_healthy",
			Help: "Live connections in the Active state.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_rooms_active",
			Help: "Rooms currently tracked by the room registry.",
		}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_heartbeat_response_seconds",
			Help:    "Heartbeat round-trip times.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		EventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_event_latency_seconds",
			Help:    "Delay between event emission and enqueue for delivery.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		QueueDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_outbound_queue_depth",
			Help:    "Observed outbound queue depths at enqueue time.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
	}

	registry.MustRegister(
		m.EventsPublished, m.FramesDelivered, m.FramesFiltered,
		m.BackpressureDrops, m.AggregatorDrops, m.ErrorsTotal, m.Disconnects,
		m.ClusterPublished, m.ClusterReceived, m.ClusterDiscarded, m.ClusterErrors,
		m.ConnectionsActive, m.ConnectionsAuthenticated, m.ConnectionsHealthy, m.RoomsActive,
		m.ResponseTime, m.EventLatency, m.QueueDepth,
	)
	return m
}

// Registry exposes the Prometheus registry for the admin /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// RecordRequest feeds the rolling request/error totals the analyzer reads.
func (m *Metrics) RecordRequest(failed bool, class string) {
	if m == nil {
		return
	}
	m.requests.Add(1)
	if failed {
		m.errors.Add(1)
		if class != "" {
			m.ErrorsTotal.WithLabelValues(class).Inc()
		}
	}
}

// RequestTotals reports the cumulative request and error counts.
func (m *Metrics) RequestTotals() (requests, errs int64) {
	if m == nil {
		return 0, 0
	}
	return m.requests.Load(), m.errors.Load()
}
