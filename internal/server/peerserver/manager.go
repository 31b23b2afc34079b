package peerserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/infra/workpool"
	"github.com/yndnr/persistmesh-go/internal/telemetry/metric"
)

// Config holds the connection manager configuration.
type Config struct {
	// ListenAddr is the interface to listen on. Empty listens on all.
	ListenAddr string
	// Port is the TCP port to listen on; 0 picks a free port.
	Port int
	// AllowedConnections bounds accepted plus dialed connections.
	AllowedConnections int
	// Version is the advisory version sent in Identify and Ok.
	Version int
	// Metadata is sent in Identify when ConnectTo is given none.
	Metadata map[string]any
	// Compression is the mode used for outbound payloads.
	Compression wire.Compression
	// InboundRate limits frames per second read from each connection.
	// Zero disables the limit.
	InboundRate float64
	// MaxPacketSize bounds inbound packet bodies; 0 uses the default.
	MaxPacketSize int
}

// Option configures the Manager.
type Option func(*Manager)

// WithProcessor sets the packet processor. The default is Identity.
func WithProcessor(p processor.Processor) Option {
	return func(m *Manager) { m.proc = p }
}

// WithCodec sets the payload codec.
func WithCodec(c *wire.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithSpy sets the connection spy. The default is NopSpy.
func WithSpy(s Spy) Option {
	return func(m *Manager) { m.spy = s }
}

// WithPool runs payload forwarding on p instead of the read goroutine.
func WithPool(p *workpool.Pool) Option {
	return func(m *Manager) { m.pool = p }
}

// WithCompression overrides Config.Compression.
func WithCompression(c wire.Compression) Option {
	return func(m *Manager) { m.cfg.Compression = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(r *metric.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager owns the listener and the connection pool.
type Manager struct {
	cfg     Config
	hook    Hook
	proc    processor.Processor
	codec   *wire.Codec
	spy     Spy
	pool    *workpool.Pool
	logger  *slog.Logger
	metrics *metric.Registry

	ctx    context.Context
	cancel context.CancelFunc

	conns *xsync.MapOf[string, *Conn]
	count atomic.Int32

	// acceptMu guards ln and accepting.
	acceptMu  sync.Mutex
	ln        net.Listener
	accepting bool

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a connection manager that applies data payloads with hook.
func New(cfg Config, hook Hook, opts ...Option) (*Manager, error) {
	if cfg.AllowedConnections < 1 {
		return nil, domain.ErrInvalidConfig.WithDetailsf("allowed connections must be at least 1, got %d", cfg.AllowedConnections)
	}
	if hook == nil {
		return nil, domain.ErrInvalidConfig.WithDetails("hook is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		hook:   hook,
		ctx:    ctx,
		cancel: cancel,
		conns:  xsync.NewMapOf[string, *Conn](),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.proc == nil {
		m.proc = processor.Identity()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.codec == nil {
		m.codec = wire.NewCodec(nil, m.logger)
	}
	if m.spy == nil {
		m.spy = NopSpy{}
	}
	if m.metrics == nil {
		m.metrics = metric.NewRegistry()
	}
	return m, nil
}

// Start opens the listener and starts accepting connections.
func (m *Manager) Start(ctx context.Context) error {
	addr := net.JoinHostPort(m.cfg.ListenAddr, strconv.Itoa(m.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	m.acceptMu.Lock()
	m.ln = ln
	m.acceptMu.Unlock()
	m.running.Store(true)

	m.logger.Info("peer server listening",
		"address", ln.Addr().String(),
		"allowed_connections", m.cfg.AllowedConnections,
		"processor", m.proc.Tag(),
		"compression", m.cfg.Compression.String())
	m.resumeAccept()
	return nil
}

// Addr returns the listener address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.acceptMu.Lock()
	defer m.acceptMu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Count returns the number of pooled connections.
func (m *Manager) Count() int { return int(m.count.Load()) }

// Accepting reports whether the accept loop is running. It is false while
// the pool is full.
func (m *Manager) Accepting() bool {
	m.acceptMu.Lock()
	defer m.acceptMu.Unlock()
	return m.accepting
}

// reserve takes a pool slot if one is free.
func (m *Manager) reserve() bool {
	for {
		n := m.count.Load()
		if int(n) >= m.cfg.AllowedConnections {
			return false
		}
		if m.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// unreserve frees a slot and restarts a parked accept loop.
func (m *Manager) unreserve() {
	m.count.Add(-1)
	m.resumeAccept()
}

func (m *Manager) resumeAccept() {
	m.acceptMu.Lock()
	defer m.acceptMu.Unlock()

	if m.accepting || m.ln == nil || !m.running.Load() || m.Count() >= m.cfg.AllowedConnections {
		return
	}
	m.accepting = true
	m.wg.Add(1)
	go m.acceptLoop(m.ln)
}

// acceptLoop accepts while the pool has room and parks when it fills.
// The listener stays open while parked, so dialers queue in the backlog.
func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			m.acceptMu.Lock()
			m.accepting = false
			m.acceptMu.Unlock()
			if m.running.Load() && !errors.Is(err, net.ErrClosed) {
				m.logger.Error("accept failed", "error", err)
			}
			return
		}

		if m.reserve() {
			m.serveAccepted(nc)
		} else {
			// Outbound dials filled the pool while Accept was blocked.
			m.logger.Debug("pool full, dropping accepted connection", "peer", nc.RemoteAddr().String())
			_ = nc.Close()
		}

		m.acceptMu.Lock()
		if m.Count() >= m.cfg.AllowedConnections || !m.running.Load() {
			m.accepting = false
			m.acceptMu.Unlock()
			m.logger.Debug("pool full, accept loop parked")
			return
		}
		m.acceptMu.Unlock()
	}
}

func (m *Manager) serveAccepted(nc net.Conn) {
	host, portStr, _ := net.SplitHostPort(nc.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)

	c := newConn(m, nc, processor.Peer{Host: host, Port: port, Role: processor.RoleAcceptor})
	c.setState(StateIdentifying)
	m.register(c)
	c.logger.Info("connection accepted")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
}

func (m *Manager) register(c *Conn) {
	m.conns.Store(c.ID(), c)
	m.metrics.ConnectionsOpen.Inc()
	m.metrics.ConnectionsTotal.WithLabelValues(c.peer.Role.String()).Inc()
}

// remove is called once per connection from Conn.close.
func (m *Manager) remove(c *Conn) {
	if _, ok := m.conns.LoadAndDelete(c.ID()); !ok {
		return
	}
	m.metrics.ConnectionsOpen.Dec()
	m.unreserve()
}

// ConnectTo dials a peer and completes the handshake. The metadata is sent
// in Identify; nil uses the configured metadata. The connection counts
// toward the pool.
func (m *Manager) ConnectTo(ctx context.Context, host string, port int, metadata map[string]any) (*Conn, error) {
	if !m.running.Load() {
		return nil, domain.ErrConnectionClosed.WithDetails("manager not started")
	}
	if !m.reserve() {
		return nil, domain.ErrPoolFull.WithDetailsf("%d connections", m.cfg.AllowedConnections)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.unreserve()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newConn(m, nc, processor.Peer{Host: host, Port: port, Role: processor.RoleInitiator})
	c.setState(StateIdentifying)
	m.register(c)

	if metadata == nil {
		metadata = m.cfg.Metadata
	}
	if err := c.Send(ctx, wire.NewIdentify(m.cfg.Version, metadata)); err != nil {
		c.close(err)
		return nil, err
	}
	c.setState(StateVerifying)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()

	select {
	case <-c.synced:
		return c, nil
	case <-c.done:
		if errors.Is(c.closeErr, domain.ErrHandshakeRejected) {
			return nil, c.closeErr
		}
		return nil, domain.ErrHandshakeRejected.WithCause(c.closeErr)
	case <-ctx.Done():
		c.close(ctx.Err())
		return nil, ctx.Err()
	}
}

// Broadcast sends p to every synced connection except except, which may
// be nil. Per-connection failures are joined into the returned error.
func (m *Manager) Broadcast(ctx context.Context, p *wire.Payload, except *Conn) error {
	body, err := m.encode(p)
	if err != nil {
		return err
	}

	var errs []error
	m.conns.Range(func(_ string, c *Conn) bool {
		if c == except || c.State() != StateSynced {
			return true
		}
		if err := c.write(ctx, p.Op, body); err != nil {
			m.metrics.BroadcastErrors.Inc()
			errs = append(errs, fmt.Errorf("conn %s: %w", c.ID(), err))
		}
		return true
	})
	return errors.Join(errs...)
}

// forward floods an applied payload to every connection but its origin.
// It never blocks the read loop: with the queue full the payload is
// dropped and counted.
func (m *Manager) forward(p *wire.Payload, from *Conn) {
	job := func() error {
		return m.Broadcast(m.ctx, p, from)
	}
	if m.pool == nil {
		if err := job(); err != nil {
			m.logger.Warn("forward failed", "op", p.Op, "error", err)
		}
		return
	}
	err := m.pool.TrySubmit(job)
	switch {
	case err == nil:
	case errors.Is(err, workpool.ErrQueueFull):
		m.metrics.ForwardsDropped.Inc()
		m.logger.Warn("broadcast queue full, forward dropped", "op", p.Op)
	default:
		m.logger.Debug("forward dropped", "op", p.Op, "error", err)
	}
}

// Connections returns a snapshot of the pooled connections.
func (m *Manager) Connections() []*Conn {
	out := make([]*Conn, 0, m.conns.Size())
	m.conns.Range(func(_ string, c *Conn) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Shutdown closes the listener, kicks every connection and waits for the
// connection goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.running.Store(false)

	var firstErr error
	m.acceptMu.Lock()
	if m.ln != nil {
		if err := m.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	m.acceptMu.Unlock()

	for _, c := range m.Connections() {
		_ = c.Disconnect(ctx)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return firstErr
}
