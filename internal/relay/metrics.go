package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "agentbook"
	subsystem = "relay"
)

// Metrics holds the relay's Prometheus instrumentation.
type Metrics struct {
	SessionsActive prometheus.Gauge
	Displacements  prometheus.Counter
	Drops          prometheus.Counter
	DirectoryOps   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered against the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests that need an isolated registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently registered node sessions.",
		}),
		Displacements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_displacements_total",
			Help:      "Number of sessions displaced by a newer registration for the same node id.",
		}),
		Drops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_dropped_total",
			Help:      "Number of envelopes dropped due to outbound queue overflow.",
		}),
		DirectoryOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "directory_operations_total",
			Help:      "Username directory operations by kind and outcome.",
		}, []string{"op", "outcome"}),
	}
}
