// Package node ties the replication engine together.
//
// A Node holds the registered stores, the codec extensions, the packet
// processor and the connection manager of one process. Objects are
// registered per type with Register and changed through Handles, which
// announce every change to the connected peers.
package node

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/infra/workpool"
	"github.com/yndnr/persistmesh-go/internal/server/peerserver"
	"github.com/yndnr/persistmesh-go/internal/storage/replica"
	"github.com/yndnr/persistmesh-go/internal/telemetry/metric"
)

// Config holds the node configuration.
type Config struct {
	// ID names the node in handshake metadata. Empty generates a ULID.
	ID                 string
	Version            int
	ListenAddr         string
	Port               int
	AllowedConnections int
	// Workers and QueueSize size the broadcast worker pool.
	Workers   int
	QueueSize int
	// InboundRate limits frames per second per connection; 0 disables.
	InboundRate float64
	Compression wire.Compression
	// Metadata is sent in Identify in addition to the node ID.
	Metadata map[string]any
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() Config {
	return Config{
		Port:               6000,
		AllowedConnections: 2,
		Workers:            4,
		QueueSize:          1024,
	}
}

// Option configures a Node.
type Option func(*Node)

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics reports into r instead of a private registry.
func WithMetrics(r *metric.Registry) Option {
	return func(n *Node) { n.metrics = r }
}

func WithProcessor(p processor.Processor) Option {
	return func(n *Node) { n.proc = p }
}

func WithSpy(s peerserver.Spy) Option {
	return func(n *Node) { n.spy = s }
}

// Node is the replication context of one process.
type Node struct {
	// mu guards the configuration and the store list until Start.
	mu      sync.Mutex
	started bool
	cfg     Config
	proc    processor.Processor
	spy     peerserver.Spy

	stores []*replica.Store
	byName map[string]*replica.Store

	ext     *wire.Registry
	logger  *slog.Logger
	metrics *metric.Registry
	pool    *workpool.Pool
	manager atomic.Pointer[peerserver.Manager]

	// mutateMu guards the fields of held objects. Writers hold it
	// exclusively; snapshots and hash reads share it.
	mutateMu sync.RWMutex
}

// New creates a node. Stores must be registered and setters called
// before Start.
func New(cfg Config, opts ...Option) *Node {
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	n := &Node{
		cfg:    cfg,
		byName: make(map[string]*replica.Store),
		ext:    wire.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("node", cfg.ID)
	if n.metrics == nil {
		n.metrics = metric.NewRegistry()
	}
	if n.proc == nil {
		n.proc = processor.Identity()
	}
	if n.spy == nil {
		n.spy = peerserver.NopSpy{}
	}

	n.pool = workpool.New(cfg.Workers, cfg.QueueSize, n.logger.With("component", "broadcast"))
	if err := n.metrics.Register(metric.NewStoreCollector(n.stats)); err != nil {
		n.logger.Warn("store metrics not registered", "error", err)
	}
	return n
}

// ID returns the node ID.
func (n *Node) ID() string { return n.cfg.ID }

func (n *Node) Logger() *slog.Logger { return n.logger }

// Metrics returns the node's metric registry.
func (n *Node) Metrics() *metric.Registry { return n.metrics }

// configure applies fn unless the node has started.
func (n *Node) configure(fn func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return domain.ErrContextStarted
	}
	fn()
	return nil
}

// SetVersion sets the advisory version exchanged at handshake.
func (n *Node) SetVersion(v int) error {
	return n.configure(func() { n.cfg.Version = v })
}

func (n *Node) SetProcessor(p processor.Processor) error {
	if p == nil {
		return domain.ErrInvalidConfig.WithDetails("processor is nil")
	}
	return n.configure(func() { n.proc = p })
}

func (n *Node) SetSpy(s peerserver.Spy) error {
	if s == nil {
		return domain.ErrInvalidConfig.WithDetails("spy is nil")
	}
	return n.configure(func() { n.spy = s })
}

func (n *Node) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return domain.ErrInvalidConfig.WithDetailsf("port %d out of range", port)
	}
	return n.configure(func() { n.cfg.Port = port })
}

func (n *Node) SetAllowedConnections(allowed int) error {
	if allowed < 1 {
		return domain.ErrInvalidConfig.WithDetailsf("allowed connections must be at least 1, got %d", allowed)
	}
	return n.configure(func() { n.cfg.AllowedConnections = allowed })
}

func (n *Node) SetCompression(c wire.Compression) error {
	return n.configure(func() { n.cfg.Compression = c })
}

// RegisterTransformer adds a codec extension for a custom field type.
func (n *Node) RegisterTransformer(t wire.Transformer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return domain.ErrContextStarted
	}
	return n.ext.Register(t)
}

func (n *Node) addStore(s *replica.Store) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return domain.ErrContextStarted
	}
	name := s.Schema().Name
	if _, dup := n.byName[name]; dup {
		return domain.ErrSchemaConflict.WithDetails(name)
	}
	n.stores = append(n.stores, s)
	n.byName[name] = s
	return nil
}

// Start opens the listener. The configuration is frozen from here on.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return domain.ErrContextStarted
	}
	n.started = true
	cfg := n.cfg
	n.mu.Unlock()

	meta := map[string]any{"node": cfg.ID}
	for k, v := range cfg.Metadata {
		meta[k] = v
	}

	m, err := peerserver.New(peerserver.Config{
		ListenAddr:         cfg.ListenAddr,
		Port:               cfg.Port,
		AllowedConnections: cfg.AllowedConnections,
		Version:            cfg.Version,
		Metadata:           meta,
		Compression:        cfg.Compression,
		InboundRate:        cfg.InboundRate,
	}, &syncHook{n: n},
		peerserver.WithProcessor(n.proc),
		peerserver.WithCodec(wire.NewCodec(n.ext, n.logger)),
		peerserver.WithSpy(n.spy),
		peerserver.WithPool(n.pool),
		peerserver.WithLogger(n.logger),
		peerserver.WithMetrics(n.metrics),
	)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	n.manager.Store(m)
	return nil
}

// Addr returns the listen address once started.
func (n *Node) Addr() net.Addr {
	if m := n.manager.Load(); m != nil {
		return m.Addr()
	}
	return nil
}

// ConnectTo dials a peer and completes the handshake.
func (n *Node) ConnectTo(ctx context.Context, host string, port int) (*peerserver.Conn, error) {
	m := n.manager.Load()
	if m == nil {
		return nil, domain.ErrConnectionClosed.WithDetails("node not started")
	}
	return m.ConnectTo(ctx, host, port, nil)
}

// Connections returns a snapshot of the open connections.
func (n *Node) Connections() []*peerserver.Conn {
	if m := n.manager.Load(); m != nil {
		return m.Connections()
	}
	return nil
}

// Broadcast sends p to every synced connection. Before Start it does
// nothing.
func (n *Node) Broadcast(ctx context.Context, p *wire.Payload) error {
	if m := n.manager.Load(); m != nil {
		return m.Broadcast(ctx, p, nil)
	}
	return nil
}

// Invalidate quietly clears every store.
func (n *Node) Invalidate() {
	for _, s := range n.storeList() {
		s.ClearQuietly()
	}
	n.logger.Info("local state invalidated")
}

func (n *Node) storeList() []*replica.Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stores
}

func (n *Node) schemas() []*domain.Schema {
	stores := n.storeList()
	out := make([]*domain.Schema, len(stores))
	for i, s := range stores {
		out[i] = s.Schema()
	}
	return out
}

func (n *Node) store(name string) *replica.Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byName[name]
}

// holding returns the store that holds hash, or nil.
func (n *Node) holding(hash uint64) *replica.Store {
	for _, s := range n.storeList() {
		if s.ContainsHash(hash) {
			return s
		}
	}
	return nil
}

// snapshot returns the field maps of every object in registration order.
func (n *Node) snapshot() []map[string]any {
	n.mutateMu.RLock()
	defer n.mutateMu.RUnlock()
	var out []map[string]any
	for _, s := range n.storeList() {
		out = append(out, s.FieldMaps()...)
	}
	return out
}

// StoreSizes returns the object count of each registered schema.
func (n *Node) StoreSizes() map[string]int {
	out := make(map[string]int)
	for _, s := range n.storeList() {
		out[s.Schema().Name] = s.Size()
	}
	return out
}

func (n *Node) stats() metric.StoreStats {
	st := metric.StoreStats{
		Objects:           make(map[string]int),
		PendingBroadcasts: n.pool.Pending(),
	}
	for _, s := range n.storeList() {
		st.Objects[s.Schema().Name] = s.Size()
	}
	return st
}

// Shutdown drains queued broadcasts, then kicks every peer and closes
// the listener.
func (n *Node) Shutdown(ctx context.Context) error {
	var errs []error
	if err := n.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if m := n.manager.Load(); m != nil {
		if err := m.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
