// Package metric provides the Prometheus metrics registry for the
// synchronization layer.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pumpsync"

// Metrics contains all platform-level metrics (not domain-specific)
type Metrics struct {
	// Hub metrics
	HubSubscribers prometheus.Gauge
	HubBroadcasts  *prometheus.CounterVec
	HubEvictions   prometheus.Counter
	HubReplaySize  prometheus.Gauge

	// Gateway metrics
	GatewayConnectionState prometheus.Gauge
	GatewayPublishes       *prometheus.CounterVec
	GatewayRetryQueueSize  prometheus.Gauge
	GatewayReconnects      prometheus.Counter

	// State cache metrics
	CacheRecords prometheus.Gauge
	CacheWrites  *prometheus.CounterVec
}

// NewMetrics creates the platform metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of currently connected stream subscribers",
		}),
		HubBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Total envelopes broadcast, by envelope type",
		}, []string{"type"}),
		HubEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "replay_evictions_total",
			Help:      "Envelopes evicted from the replay buffer at capacity",
		}),
		HubReplaySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "replay_buffer_size",
			Help:      "Current replay buffer length",
		}),
		GatewayConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connection_state",
			Help:      "Gateway connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=offline)",
		}),
		GatewayPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "publishes_total",
			Help:      "Gateway publish attempts, by outcome",
		}, []string{"outcome"}),
		GatewayRetryQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retry_queue_size",
			Help:      "Pending entries in the gateway retry queue",
		}),
		GatewayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Successful gateway reconnects",
		}),
		CacheRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "statecache",
			Name:      "records",
			Help:      "Number of records held by the state cache",
		}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "statecache",
			Name:      "writes_total",
			Help:      "State cache writes, by record kind",
		}, []string{"kind"}),
	}
}

// Registry manages metric registration and exposure.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with the core platform metrics and Go
// runtime collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		prometheusRegistry: reg,
		Metrics:            NewMetrics(),
	}

	reg.MustRegister(
		r.Metrics.HubSubscribers,
		r.Metrics.HubBroadcasts,
		r.Metrics.HubEvictions,
		r.Metrics.HubReplaySize,
		r.Metrics.GatewayConnectionState,
		r.Metrics.GatewayPublishes,
		r.Metrics.GatewayRetryQueueSize,
		r.Metrics.GatewayReconnects,
		r.Metrics.CacheRecords,
		r.Metrics.CacheWrites,
	)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
