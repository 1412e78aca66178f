package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// PoolCollector reads PoolStats at scrape time. Nothing is reported when the
// provider has no stats.
type PoolCollector struct {
	stats domain.PoolStatsProvider

	active    *prometheus.Desc
	rotations *prometheus.Desc
	restarts  *prometheus.Desc
	dropped   *prometheus.Desc
}

// NewPoolCollector creates a collector for stats.
func NewPoolCollector(namespace, exchange string, stats domain.PoolStatsProvider) *PoolCollector {
	labels := prometheus.Labels{"exchange": exchange}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, labels)
	}
	return &PoolCollector{
		stats:     stats,
		active:    desc("active_connections", "Live connections in the pool"),
		rotations: desc("rotations_total", "Connections replaced because of TTL"),
		restarts:  desc("restarts_total", "Connections replaced because they went silent or crashed"),
		dropped:   desc("events_dropped_total", "Events discarded because the queue was full"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.rotations
	ch <- c.restarts
	ch <- c.dropped
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s, ok := c.stats.PoolStats()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.rotations, prometheus.CounterValue, float64(s.TotalRotations))
	ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(s.TotalRestarts))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.EventsDropped))
}
