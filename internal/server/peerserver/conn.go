package peerserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/telemetry/logger"
	"github.com/yndnr/persistmesh-go/internal/telemetry/metric"
)

// State is the handshake state of a connection.
type State int32

const (
	// StateConnecting is a socket that has not started the handshake.
	StateConnecting State = iota
	// StateIdentifying waits for (acceptor) or sends (initiator) Identify.
	StateIdentifying
	// StateVerifying is an initiator waiting for Ok.
	StateVerifying
	// StateSynced has completed the handshake and exchanges data.
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateVerifying:
		return "verifying"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one peer connection.
type Conn struct {
	id   ulid.ULID
	m    *Manager
	nc   net.Conn
	br   *bufio.Reader
	peer processor.Peer

	ctx    context.Context
	logger *slog.Logger

	state   atomic.Int32
	writeMu sync.Mutex
	limiter *rate.Limiter

	// Peer metadata from Identify or Ok.
	metaMu sync.RWMutex
	meta   map[string]any

	lastPing     atomic.Int64
	lastPingTime atomic.Int64
	pingSent     atomic.Int64
	pingMu       sync.Mutex
	pongs        chan int64

	synced    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConn(m *Manager, nc net.Conn, peer processor.Peer) *Conn {
	c := &Conn{
		id:     ulid.Make(),
		m:      m,
		nc:     nc,
		br:     bufio.NewReader(nc),
		peer:   peer,
		pongs:  make(chan int64, 1),
		synced: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.lastPing.Store(-1)
	c.logger = m.logger.With("conn", c.id.String(), "peer", nc.RemoteAddr().String(), "role", peer.Role.String())
	c.ctx = logger.WithConnID(logger.WithLogger(m.ctx, m.logger), c.id.String())
	if m.cfg.InboundRate > 0 {
		burst := int(m.cfg.InboundRate)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(m.cfg.InboundRate), burst)
	}
	return c
}

// ID returns the connection's ULID.
func (c *Conn) ID() string { return c.id.String() }

func (c *Conn) Host() string         { return c.peer.Host }
func (c *Conn) Port() int            { return c.peer.Port }
func (c *Conn) Role() processor.Role { return c.peer.Role }
func (c *Conn) State() State         { return State(c.state.Load()) }

// LastPing returns the last latency sample in milliseconds, or -1 if none
// was taken.
func (c *Conn) LastPing() int64 { return c.lastPing.Load() }

// LastPingTime returns when the last latency sample was taken.
func (c *Conn) LastPingTime() time.Time {
	ms := c.lastPingTime.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Metadata returns the metadata the peer sent during the handshake.
func (c *Conn) Metadata() map[string]any {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.meta
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) markSynced() {
	c.setState(StateSynced)
	close(c.synced)
}

// encode turns p into a packet body before the processor stage.
func (m *Manager) encode(p *wire.Payload) ([]byte, error) {
	raw, err := m.codec.MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	return wire.Compress(m.cfg.Compression, raw)
}

// Send encodes and writes p. An encoding failure fails only this send;
// a write failure closes the connection.
func (c *Conn) Send(ctx context.Context, p *wire.Payload) error {
	body, err := c.m.encode(p)
	if err != nil {
		return err
	}
	return c.write(ctx, p.Op, body)
}

func (c *Conn) write(ctx context.Context, op wire.OpCode, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return domain.ErrConnectionClosed
	}

	// Pack under the write lock: the processor may be stateful and the
	// packet order on the wire must match the pack order.
	packed, err := c.m.proc.Pack(c.peer, body)
	if err != nil {
		c.logger.Error("pack failed", "op", op, "error", err)
		go c.close(err)
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := wire.WritePacket(c.nc, c.m.proc.Tag(), packed); err != nil {
		c.logger.Warn("write failed, closing connection", "op", op, "error", err)
		go c.close(err)
		return domain.ErrConnectionClosed.WithCause(err)
	}

	c.m.metrics.FramesOut.Inc()
	c.m.metrics.BytesOut.Add(float64(len(packed)))
	c.m.metrics.Payloads.WithLabelValues(op.String(), metric.DirectionOut).Inc()
	return nil
}

// Ping sends a Ping and waits for the matching Pong. It returns the
// round trip in milliseconds.
func (c *Conn) Ping(ctx context.Context) (int64, error) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	select {
	case <-c.pongs:
	default:
	}

	c.pingSent.Store(time.Now().UnixMilli())
	if err := c.Send(ctx, wire.NewPing()); err != nil {
		return -1, err
	}

	select {
	case rtt := <-c.pongs:
		return rtt, nil
	case <-c.done:
		return -1, domain.ErrConnectionClosed
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Disconnect kicks the peer and closes the connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	err := c.Send(ctx, wire.NewKick())
	c.close(nil)
	return err
}

func (c *Conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.setState(StateClosed)
		c.writeMu.Unlock()

		c.closeErr = cause
		_ = c.nc.Close()
		c.m.proc.Release(c.peer)
		close(c.done)
		c.m.remove(c)

		if cause != nil {
			c.logger.Info("connection closed", "reason", cause)
		} else {
			c.logger.Info("connection closed")
		}
	})
}

// abort sends a best-effort Kick and closes the connection.
func (c *Conn) abort(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Send(ctx, wire.NewKick())
	c.close(cause)
}

func (c *Conn) readLoop() {
	for {
		body, err := wire.ReadPacket(c.br, c.m.proc.Tag(), c.m.cfg.MaxPacketSize)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.m.metrics.FramesIn.Inc()
		c.m.metrics.BytesIn.Add(float64(len(body)))

		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				c.close(err)
				return
			}
		}

		p, err := c.decode(body)
		if err != nil {
			c.logger.Warn("dropping connection on undecodable packet", "error", err)
			c.abort(err)
			return
		}
		c.m.metrics.Payloads.WithLabelValues(p.Op.String(), metric.DirectionIn).Inc()

		if !c.dispatch(p) {
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	if c.State() == StateClosed {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.logger.Debug("peer closed the connection")
		c.close(err)
		return
	}
	if errors.Is(err, domain.ErrProcessorMismatch) {
		c.logger.Warn("peer uses a different processor", "error", err)
	} else {
		c.logger.Warn("read failed", "error", err)
	}
	c.abort(err)
}

func (c *Conn) decode(body []byte) (*wire.Payload, error) {
	data, err := c.m.proc.Consume(c.peer, body)
	if err != nil {
		return nil, err
	}
	raw, err := wire.Decompress(data)
	if err != nil {
		return nil, err
	}
	return c.m.codec.UnmarshalPayload(raw)
}

// dispatch handles one payload and reports whether the read loop should
// continue.
func (c *Conn) dispatch(p *wire.Payload) bool {
	switch p.Op {
	case wire.OpIdentify:
		return c.onIdentify(p)
	case wire.OpOk:
		return c.onOk(p)
	case wire.OpRejection:
		c.m.metrics.HandshakesRejected.Inc()
		c.m.spy.Disconnected(c)
		c.close(domain.ErrHandshakeRejected)
		return false
	case wire.OpKick:
		c.m.spy.Disconnected(c)
		c.m.hook.Invalidate()
		c.close(errors.New("kicked by peer"))
		return false
	case wire.OpPing:
		now := time.Now().UnixMilli()
		c.recordLatency(now, now-p.Time)
		if err := c.Send(c.ctx, wire.NewPong()); err != nil {
			return c.State() != StateClosed
		}
		return true
	case wire.OpPong:
		sent := c.pingSent.Swap(0)
		if sent == 0 {
			c.logger.Debug("ignoring pong with no ping outstanding")
			return true
		}
		now := time.Now().UnixMilli()
		rtt := now - sent
		c.recordLatency(now, rtt)
		select {
		case c.pongs <- rtt:
		default:
		}
		return true
	}

	if c.State() != StateSynced {
		c.logger.Warn("data payload before handshake completed", "op", p.Op)
		return true
	}
	if c.m.hook.Apply(c.ctx, c, p) {
		c.m.forward(p, c)
	}
	return true
}

func (c *Conn) recordLatency(now, ms int64) {
	c.lastPing.Store(ms)
	c.lastPingTime.Store(now)
	c.m.metrics.PingLatency.Observe(float64(ms))
	c.m.spy.LatencyCheck(c, ms)
}

func (c *Conn) setMetadata(meta map[string]any) {
	c.metaMu.Lock()
	c.meta = meta
	c.metaMu.Unlock()
}

func (c *Conn) onIdentify(p *wire.Payload) bool {
	if c.peer.Role != processor.RoleAcceptor || c.State() != StateIdentifying {
		c.logger.Warn("unexpected identify", "state", c.State())
		c.abort(domain.ErrMalformedFrame.WithDetails("unexpected IDENTIFY"))
		return false
	}
	c.setMetadata(p.Data)

	meta, err := c.m.spy.InterceptConnectionRequest(c, p.VersionValue(), p.Time, p.Data)
	if err != nil {
		c.logger.Info("connection request rejected", "error", err)
		c.m.metrics.HandshakesRejected.Inc()
		_ = c.Send(c.ctx, wire.NewRejection())
		c.m.spy.Disconnected(c)
		c.close(domain.ErrHandshakeRejected.WithCause(err))
		return false
	}

	if err := c.Send(c.ctx, wire.NewOk(c.m.cfg.Version, meta)); err != nil {
		return false
	}
	c.markSynced()
	c.logger.Info("peer identified", "version", p.VersionValue())
	return true
}

func (c *Conn) onOk(p *wire.Payload) bool {
	if c.peer.Role != processor.RoleInitiator || c.State() != StateVerifying {
		c.logger.Warn("unexpected ok", "state", c.State())
		c.abort(domain.ErrMalformedFrame.WithDetails("unexpected OK"))
		return false
	}
	c.setMetadata(p.Data)

	if !c.m.spy.InterceptCompletedHandshake(c, p.VersionValue(), p.Time, p.Data) {
		c.logger.Info("completed handshake rejected")
		c.m.metrics.HandshakesRejected.Inc()
		_ = c.Send(c.ctx, wire.NewRejection())
		c.m.spy.Disconnected(c)
		c.close(domain.ErrHandshakeRejected)
		return false
	}

	c.markSynced()
	if err := c.Send(c.ctx, wire.NewInitialize(true, c.m.hook.Snapshot())); err != nil {
		c.logger.Warn("initial sync failed", "error", err)
		return c.State() != StateClosed
	}
	c.logger.Info("handshake completed", "version", p.VersionValue())
	return true
}
