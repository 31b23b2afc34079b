package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreStats is a point-in-time view of a node's stores.
type StoreStats struct {
	// Objects maps schema name to object count.
	Objects map[string]int
	// PendingBroadcasts is the worker pool queue length.
	PendingBroadcasts int
}

// StoreCollector reports StoreStats on every scrape.
type StoreCollector struct {
	stats func() StoreStats

	objects *prometheus.Desc
	pending *prometheus.Desc
}

// NewStoreCollector creates a collector reading from stats.
func NewStoreCollector(stats func() StoreStats) *StoreCollector {
	return &StoreCollector{
		stats: stats,
		objects: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "objects"),
			"Objects held per registered schema.",
			[]string{"schema"}, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "broadcast", "queue_length"),
			"Broadcast jobs waiting for a worker.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.objects
	ch <- c.pending
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for schema, n := range s.Objects {
		ch <- prometheus.MustNewConstMetric(c.objects, prometheus.GaugeValue, float64(n), schema)
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.PendingBroadcasts))
}
