// Package metrics exposes pool and pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	duplicatesTotal prometheus.Counter
	sinkErrors      *prometheus.CounterVec
}

// New registers the pipeline collectors and, when stats is non-nil, a
// PoolCollector for it. A nil registry gets a fresh one.
func New(namespace, exchange string, registry *prometheus.Registry, stats domain.PoolStatsProvider) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	labels := prometheus.Labels{"exchange": exchange}

	m := &Metrics{
		registry: registry,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Events delivered by the pool, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		duplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "duplicate_events_total",
			Help:        "Events suppressed by the deduplicator",
			ConstLabels: labels,
		}),
		sinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sink_errors_total",
			Help:        "Failed writes to downstream sinks, by sink",
			ConstLabels: labels,
		}, []string{"sink"}),
	}
	if stats != nil {
		registry.MustRegister(NewPoolCollector(namespace, exchange, stats))
	}
	return m
}

// ObserveEvent counts one delivered event.
func (m *Metrics) ObserveEvent(kind string) {
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// ObserveDuplicate counts one suppressed event.
func (m *Metrics) ObserveDuplicate() {
	m.duplicatesTotal.Inc()
}

// ObserveSinkError counts one failed write to sink ("cache", "bus", "store",
// "archive" or "alerts").
func (m *Metrics) ObserveSinkError(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
