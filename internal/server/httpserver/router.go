package httpserver

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/yndnr/persistmesh-go/internal/server/peerserver"
)

// Node is what the status endpoints read from.
type Node interface {
	ID() string
	Connections() []*peerserver.Conn
	StoreSizes() map[string]int
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Node    Node
	Metrics http.Handler
	Logger  *slog.Logger
	// RateLimit bounds requests per second; 0 disables the limit.
	RateLimit float64
}

// PeerStatus is one entry of GET /peers.
type PeerStatus struct {
	ID       string         `json:"id"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Role     string         `json:"role"`
	State    string         `json:"state"`
	PingMS   int64          `json:"ping_ms"`
	PingAt   *time.Time     `json:"ping_at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewRouter builds the handler for the operational endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"node":   cfg.Node.ID(),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	mux.HandleFunc("GET /peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, peerStatuses(cfg.Node.Connections()))
	})
	mux.HandleFunc("GET /stores", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Node.StoreSizes())
	})

	middlewares := []Middleware{RequestID(), Recover(logger), AccessLog(logger)}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		middlewares = append(middlewares, RateLimit(cfg.RateLimit, burst))
	}
	return Chain(mux, middlewares...)
}

func peerStatuses(conns []*peerserver.Conn) []PeerStatus {
	out := make([]PeerStatus, 0, len(conns))
	for _, c := range conns {
		ps := PeerStatus{
			ID:       c.ID(),
			Host:     c.Host(),
			Port:     c.Port(),
			Role:     c.Role().String(),
			State:    c.State().String(),
			PingMS:   c.LastPing(),
			Metadata: c.Metadata(),
		}
		if at := c.LastPingTime(); !at.IsZero() {
			ps.PingAt = &at
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
