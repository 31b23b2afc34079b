package peerserver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/pkg/crypto/adaptive"
)

type testHook struct {
	mu          sync.Mutex
	applied     []*wire.Payload
	accept      func(p *wire.Payload) bool
	invalidated atomic.Int32
}

func (h *testHook) Apply(_ context.Context, _ *Conn, p *wire.Payload) bool {
	h.mu.Lock()
	h.applied = append(h.applied, p)
	h.mu.Unlock()
	if h.accept == nil {
		return false
	}
	return h.accept(p)
}

func (h *testHook) Snapshot() []map[string]any { return nil }
func (h *testHook) Invalidate()                { h.invalidated.Add(1) }

func (h *testHook) count(op wire.OpCode) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.applied {
		if p.Op == op {
			n++
		}
	}
	return n
}

type testSpy struct {
	NopSpy
	reject       error
	refuseOk     bool
	replyMeta    map[string]any
	disconnected atomic.Int32
	maxLatency   atomic.Int64

	mu      sync.Mutex
	gotMeta map[string]any
}

func (s *testSpy) InterceptConnectionRequest(_ *Conn, _ int, _ int64, meta map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.gotMeta = meta
	s.mu.Unlock()
	return s.replyMeta, s.reject
}

func (s *testSpy) InterceptCompletedHandshake(*Conn, int, int64, map[string]any) bool {
	return !s.refuseOk
}

func (s *testSpy) Disconnected(*Conn) { s.disconnected.Add(1) }

func (s *testSpy) LatencyCheck(_ *Conn, ms int64) {
	for {
		cur := s.maxLatency.Load()
		if ms <= cur || s.maxLatency.CompareAndSwap(cur, ms) {
			return
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func startManager(t *testing.T, allowed int, hook Hook, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m, err := New(Config{ListenAddr: "127.0.0.1", AllowedConnections: allowed, Version: 1}, hook, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func portOf(m *Manager) int {
	return m.Addr().(*net.TCPAddr).Port
}

func connect(t *testing.T, from, to *Manager) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := from.ConnectTo(ctx, "127.0.0.1", portOf(to), nil)
	if err != nil {
		t.Fatalf("ConnectTo() error = %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_InvalidAllowedConnections(t *testing.T) {
	if _, err := New(Config{AllowedConnections: 0}, &testHook{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestHandshake(t *testing.T) {
	spy := &testSpy{replyMeta: map[string]any{"welcome": "yes"}}
	serverHook := &testHook{}
	server := startManager(t, 2, serverHook, WithSpy(spy))
	client := startManager(t, 2, &testHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.ConnectTo(ctx, "127.0.0.1", portOf(server), map[string]any{"node": "client"})
	if err != nil {
		t.Fatalf("ConnectTo() error = %v", err)
	}

	if c.State() != StateSynced {
		t.Errorf("initiator state = %s, want synced", c.State())
	}
	if c.Metadata()["welcome"] != "yes" {
		t.Errorf("initiator metadata = %v", c.Metadata())
	}
	spy.mu.Lock()
	got := spy.gotMeta["node"]
	spy.mu.Unlock()
	if got != "client" {
		t.Errorf("acceptor saw metadata %v", got)
	}

	// The initiator opens with its full state.
	eventually(t, "initial sync", func() bool { return serverHook.count(wire.OpInitialize) == 1 })
	if server.Count() != 1 || client.Count() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", server.Count(), client.Count())
	}
}

func TestHandshake_AcceptorRejects(t *testing.T) {
	server := startManager(t, 2, &testHook{}, WithSpy(&testSpy{reject: errors.New("not today")}))
	clientSpy := &testSpy{}
	client := startManager(t, 2, &testHook{}, WithSpy(clientSpy))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.ConnectTo(ctx, "127.0.0.1", portOf(server), nil)
	if !errors.Is(err, domain.ErrHandshakeRejected) {
		t.Fatalf("ConnectTo() error = %v, want ErrHandshakeRejected", err)
	}
	if clientSpy.disconnected.Load() != 1 {
		t.Error("initiator spy not told about the rejection")
	}
	eventually(t, "pools to drain", func() bool { return server.Count() == 0 && client.Count() == 0 })
}

func TestHandshake_InitiatorRejects(t *testing.T) {
	serverSpy := &testSpy{}
	server := startManager(t, 2, &testHook{}, WithSpy(serverSpy))
	clientSpy := &testSpy{refuseOk: true}
	client := startManager(t, 2, &testHook{}, WithSpy(clientSpy))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.ConnectTo(ctx, "127.0.0.1", portOf(server), nil); !errors.Is(err, domain.ErrHandshakeRejected) {
		t.Fatalf("ConnectTo() error = %v, want ErrHandshakeRejected", err)
	}
	eventually(t, "acceptor to see the rejection", func() bool { return serverSpy.disconnected.Load() == 1 })
	eventually(t, "acceptor pool to drain", func() bool { return server.Count() == 0 })
	if got := clientSpy.disconnected.Load(); got != 1 {
		t.Errorf("initiator Disconnected calls = %d, want 1", got)
	}
}

func TestProcessorMismatch(t *testing.T) {
	enc, err := processor.NewEncrypted([]byte("secret"), adaptive.CipherAESGCM)
	if err != nil {
		t.Fatalf("NewEncrypted() error = %v", err)
	}
	server := startManager(t, 2, &testHook{}, WithProcessor(enc))
	client := startManager(t, 2, &testHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.ConnectTo(ctx, "127.0.0.1", portOf(server), nil); err == nil {
		t.Fatal("ConnectTo() succeeded across mismatched processors")
	}
	eventually(t, "acceptor pool to drain", func() bool { return server.Count() == 0 })
}

func TestEncryptedSession(t *testing.T) {
	newProc := func() processor.Processor {
		p, err := processor.NewEncrypted([]byte("secret"), adaptive.CipherChaCha20)
		if err != nil {
			t.Fatalf("NewEncrypted() error = %v", err)
		}
		return p
	}
	serverHook := &testHook{}
	server := startManager(t, 2, serverHook, WithProcessor(newProc()))
	client := startManager(t, 2, &testHook{}, WithProcessor(newProc()), WithCompression(wire.CompressionS2))
	connect(t, client, server)

	if err := client.Broadcast(context.Background(), wire.NewCreation(7, map[string]any{"title": "sealed"}), nil); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	eventually(t, "creation to arrive", func() bool { return serverHook.count(wire.OpCreation) == 1 })

	serverHook.mu.Lock()
	last := serverHook.applied[len(serverHook.applied)-1]
	serverHook.mu.Unlock()
	if last.HashValue() != 7 || last.Data["title"] != "sealed" {
		t.Errorf("received %s h=%d d=%v", last.Op, last.HashValue(), last.Data)
	}
}

func TestPing(t *testing.T) {
	server := startManager(t, 2, &testHook{})
	client := startManager(t, 2, &testHook{})
	c := connect(t, client, server)

	if c.LastPing() != -1 {
		t.Errorf("LastPing() before any ping = %d, want -1", c.LastPing())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if rtt < 0 || c.LastPing() != rtt {
		t.Errorf("Ping() = %d, LastPing() = %d", rtt, c.LastPing())
	}
	if c.LastPingTime().IsZero() {
		t.Error("LastPingTime() not stamped")
	}

	eventually(t, "acceptor latency sample", func() bool {
		conns := server.Connections()
		return len(conns) == 1 && conns[0].LastPing() >= 0
	})
}

func TestPong_WithoutPingIgnored(t *testing.T) {
	serverSpy := &testSpy{}
	server := startManager(t, 2, &testHook{}, WithSpy(serverSpy))
	client := startManager(t, 2, &testHook{})
	c := connect(t, client, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Send(ctx, wire.NewPong()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	// The ping is read after the stray pong, so once its sample lands the
	// pong has been handled.
	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	eventually(t, "acceptor latency sample", func() bool {
		conns := server.Connections()
		return len(conns) == 1 && conns[0].LastPing() >= 0
	})
	if got := serverSpy.maxLatency.Load(); got > 60_000 {
		t.Errorf("largest latency sample = %dms, want a stray pong ignored", got)
	}
}

func TestPoolCapacity(t *testing.T) {
	server := startManager(t, 2, &testHook{})
	clients := make([]*Manager, 3)
	for i := range clients {
		clients[i] = startManager(t, 1, &testHook{})
	}

	connect(t, clients[0], server)
	connect(t, clients[1], server)
	eventually(t, "accept loop to park", func() bool { return !server.Accepting() })

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := clients[2].ConnectTo(ctx, "127.0.0.1", portOf(server), nil)
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("third connection completed while the pool was full: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	// Freeing a slot resumes accepting and the waiting dialer gets in.
	if err := server.Connections()[0].Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("third ConnectTo() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("third connection never completed")
	}
	eventually(t, "pool to refill", func() bool { return server.Count() == 2 })
}

func TestConnectTo_PoolFull(t *testing.T) {
	a := startManager(t, 2, &testHook{})
	b := startManager(t, 2, &testHook{})
	client := startManager(t, 1, &testHook{})
	connect(t, client, a)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.ConnectTo(ctx, "127.0.0.1", portOf(b), nil); !errors.Is(err, domain.ErrPoolFull) {
		t.Errorf("ConnectTo() error = %v, want ErrPoolFull", err)
	}
}

func TestForwardingSkipsOrigin(t *testing.T) {
	onlyCreation := func(p *wire.Payload) bool { return p.Op == wire.OpCreation }
	aHook := &testHook{accept: onlyCreation}
	bHook := &testHook{accept: onlyCreation}
	cHook := &testHook{accept: onlyCreation}

	a := startManager(t, 2, aHook)
	b := startManager(t, 2, bHook)
	c := startManager(t, 2, cHook)
	connect(t, a, b)
	connect(t, c, b)

	if err := a.Broadcast(context.Background(), wire.NewCreation(1, map[string]any{"k": "v"}), nil); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	eventually(t, "forward to C", func() bool { return cHook.count(wire.OpCreation) == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := aHook.count(wire.OpCreation); n != 0 {
		t.Errorf("origin received its own creation %d times", n)
	}
	if n := bHook.count(wire.OpCreation); n != 1 {
		t.Errorf("hub applied the creation %d times, want 1", n)
	}
}

func TestKickInvalidates(t *testing.T) {
	server := startManager(t, 2, &testHook{})
	clientHook := &testHook{}
	clientSpy := &testSpy{}
	client := startManager(t, 2, clientHook, WithSpy(clientSpy))
	c := connect(t, client, server)

	eventually(t, "acceptor conn", func() bool { return len(server.Connections()) == 1 })
	if err := server.Connections()[0].Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kicked connection did not close")
	}
	if clientHook.invalidated.Load() != 1 {
		t.Error("kick did not invalidate local state")
	}
	if clientSpy.disconnected.Load() != 1 {
		t.Error("kick not reported to the spy")
	}
	eventually(t, "client pool to drain", func() bool { return client.Count() == 0 })
}

func TestBroadcast_UnsupportedValueKeepsConnection(t *testing.T) {
	server := startManager(t, 2, &testHook{})
	client := startManager(t, 2, &testHook{})
	c := connect(t, client, server)

	err := client.Broadcast(context.Background(), wire.NewCreation(1, map[string]any{"ch": make(chan int)}), nil)
	if !errors.Is(err, domain.ErrUnsupportedValue) {
		t.Fatalf("Broadcast() error = %v, want ErrUnsupportedValue", err)
	}
	if c.State() != StateSynced {
		t.Errorf("state after failed encode = %s, want synced", c.State())
	}
}
