// Package metric provides Prometheus metrics for persistmesh.
//
//   - prometheus.go: the Registry of replication metrics and its HTTP handler
//   - collector.go: a collector reporting store sizes on scrape
//
// Metrics are exposed at /metrics in Prometheus format when enabled.
package metric
