// Package discovery finds replication peers over gossip.
//
// Every node runs a memberlist agent whose node metadata carries its
// replication address. When a member joins, the node with the smaller
// name dials the other one, so each pair ends up with one connection.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/memberlist"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// DialFunc connects to the replication address of a peer.
type DialFunc func(ctx context.Context, host string, port int) error

// Config configures the gossip agent.
type Config struct {
	// NodeID names this member. It must be unique in the cluster.
	NodeID   string
	BindAddr string
	BindPort int

	// AdvertiseAddr is the replication address (host:port) shared with
	// other members.
	AdvertiseAddr string

	// Seeds are gossip addresses to join at start.
	Seeds []string

	// RetryMaxElapsed bounds retries of joins and dials. Zero uses the
	// backoff default.
	RetryMaxElapsed time.Duration

	Logger *slog.Logger
}

// Discovery is a running gossip agent.
type Discovery struct {
	cfg    Config
	ml     *memberlist.Memberlist
	dial   DialFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

// New starts the gossip agent and joins the seeds. Members that join
// later are dialed with dial.
func New(cfg Config, dial DialFunc) (*Discovery, error) {
	if cfg.NodeID == "" {
		return nil, domain.ErrInvalidConfig.WithDetails("discovery: node id is required")
	}
	if _, _, err := splitAddr(cfg.AdvertiseAddr); err != nil {
		return nil, domain.ErrInvalidConfig.WithDetailsf("discovery: advertise address %q", cfg.AdvertiseAddr).WithCause(err)
	}
	if dial == nil {
		return nil, domain.ErrInvalidConfig.WithDetails("discovery: dial function is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		cfg:    cfg,
		dial:   dial,
		logger: cfg.Logger.With("component", "discovery"),
		ctx:    ctx,
		cancel: cancel,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	if cfg.BindAddr != "" && cfg.BindAddr != "0.0.0.0" {
		mlConfig.AdvertiseAddr = cfg.BindAddr
	}
	mlConfig.Delegate = &metaDelegate{meta: []byte(cfg.AdvertiseAddr)}
	mlConfig.Events = &events{d: d}
	mlConfig.LogOutput = &slogWriter{logger: d.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	d.ml = ml

	if len(cfg.Seeds) > 0 {
		if err := d.join(cfg.Seeds); err != nil {
			_ = ml.Shutdown()
			cancel()
			return nil, err
		}
	} else {
		d.logger.Info("gossip started without seeds", "node_id", cfg.NodeID)
	}
	return d, nil
}

func (d *Discovery) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.RetryMaxElapsed > 0 {
		b.MaxElapsedTime = d.cfg.RetryMaxElapsed
	}
	return backoff.WithContext(b, d.ctx)
}

func (d *Discovery) join(seeds []string) error {
	var joined int
	err := backoff.Retry(func() error {
		n, err := d.ml.Join(seeds)
		if err != nil {
			d.logger.Warn("join failed, retrying", "seeds", seeds, "error", err)
			return err
		}
		joined = n
		return nil
	}, d.retryPolicy())
	if err != nil {
		return fmt.Errorf("join seeds: %w", err)
	}
	d.logger.Info("joined cluster", "seeds", seeds, "joined", joined)
	return nil
}

// Addr returns the gossip address of the local member.
func (d *Discovery) Addr() string {
	n := d.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Members returns the names and replication addresses of the live
// members, the local one included.
func (d *Discovery) Members() map[string]string {
	out := make(map[string]string)
	for _, n := range d.ml.Members() {
		out[n.Name] = string(n.Meta)
	}
	return out
}

// Shutdown leaves the cluster, stops pending dials and the agent.
func (d *Discovery) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	d.cancel()
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var errs []error
	if err := d.ml.Leave(timeout); err != nil {
		errs = append(errs, fmt.Errorf("leave: %w", err))
	}
	if err := d.ml.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown memberlist: %w", err))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	d.logger.Info("discovery stopped")
	return errors.Join(errs...)
}

// connect dials a joined member in the background until it succeeds,
// the policy gives up or the agent stops.
func (d *Discovery) connect(name, addr string) {
	host, port, err := splitAddr(addr)
	if err != nil {
		d.logger.Warn("member advertises a bad address", "member", name, "addr", addr, "error", err)
		return
	}

	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		err := backoff.Retry(func() error {
			err := d.dial(d.ctx, host, port)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, domain.ErrPoolFull), errors.Is(err, domain.ErrHandshakeRejected):
				return backoff.Permanent(err)
			default:
				d.logger.Debug("dial failed, retrying", "member", name, "error", err)
				return err
			}
		}, d.retryPolicy())
		if err != nil {
			d.logger.Warn("giving up on member", "member", name, "addr", addr, "error", err)
			return
		}
		d.logger.Info("connected to member", "member", name, "addr", addr)
	}()
}

// shouldDial picks one side of each pair of members as the dialer.
func shouldDial(local, remote string) bool {
	return local < remote
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

type events struct {
	d *Discovery
}

func (e *events) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.d.cfg.NodeID {
		return
	}
	addr := string(n.Meta)
	e.d.logger.Info("member joined", "member", n.Name, "gossip_addr", n.Address(), "addr", addr)
	if shouldDial(e.d.cfg.NodeID, n.Name) {
		e.d.connect(n.Name, addr)
	}
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	e.d.logger.Info("member left", "member", n.Name)
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.d.logger.Debug("member updated", "member", n.Name)
}

// slogWriter routes memberlist's standard logger into slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(p))
	return len(p), nil
}

// metaDelegate publishes the replication address as node metadata.
type metaDelegate struct {
	meta []byte
}

func (m *metaDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return m.meta[:limit]
	}
	return m.meta
}

func (m *metaDelegate) NotifyMsg([]byte)                           {}
func (m *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metaDelegate) LocalState(join bool) []byte                { return nil }
func (m *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}
