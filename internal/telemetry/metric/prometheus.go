package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "persistmesh"

// Label values for Payloads.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Registry holds all application metrics on a private Prometheus registry,
// so several nodes can live in one process.
type Registry struct {
	reg *prometheus.Registry

	// Connection metrics
	ConnectionsOpen    prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec // role
	HandshakesRejected prometheus.Counter
	PingLatency        prometheus.Histogram

	// Frame metrics
	FramesIn  prometheus.Counter
	FramesOut prometheus.Counter
	BytesIn   prometheus.Counter
	BytesOut  prometheus.Counter
	Payloads  *prometheus.CounterVec // op, direction

	// Replication metrics
	SyncApplied     *prometheus.CounterVec // op
	SyncIgnored     *prometheus.CounterVec // op
	BroadcastErrors prometheus.Counter
	ForwardsDropped prometheus.Counter
}

// NewRegistry creates and registers every metric, plus the Go runtime
// and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open",
			Help: "Connections currently held in the pool.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Connections opened, by role.",
		}, []string{"role"}),
		HandshakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_rejected_total",
			Help: "Handshakes refused by either side.",
		}),
		PingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ping_latency_milliseconds",
			Help:    "Latency samples taken from ping and pong exchanges.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Packets read from peers.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Packets written to peers.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_bytes_total",
			Help: "Packet body bytes read from peers.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sent_bytes_total",
			Help: "Packet body bytes written to peers.",
		}),
		Payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payloads_total",
			Help: "Decoded or encoded payloads, by opcode and direction.",
		}, []string{"op", "direction"}),
		SyncApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_applied_total",
			Help: "Inbound data payloads applied to a local store.",
		}, []string{"op"}),
		SyncIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_ignored_total",
			Help: "Inbound data payloads ignored as already known or unknown.",
		}, []string{"op"}),
		BroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_errors_total",
			Help: "Per-connection send failures during broadcasts.",
		}),
		ForwardsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwards_dropped_total",
			Help: "Applied payloads not forwarded because the broadcast queue was full.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ConnectionsOpen, r.ConnectionsTotal, r.HandshakesRejected, r.PingLatency,
		r.FramesIn, r.FramesOut, r.BytesIn, r.BytesOut, r.Payloads,
		r.SyncApplied, r.SyncIgnored, r.BroadcastErrors, r.ForwardsDropped,
	)
	return r
}

// Register adds an extra collector, such as a StoreCollector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
