package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spaolacci/murmur3"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/pkg/crypto/adaptive"
)

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

func startNode(t *testing.T, n *Node) int {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return n.Addr().(*net.TCPAddr).Port
}

// findWidget returns the held widget named name. Only its name is read,
// which peers never change.
func findWidget(c *Collection[widget], name string) *widget {
	for _, w := range c.All() {
		if w.Name == name {
			return w
		}
	}
	return nil
}

func countOf(c *Collection[widget], name string) (int, bool) {
	for _, w := range c.Snapshot() {
		if w.Name == name {
			return w.Count, true
		}
	}
	return 0, false
}

// namedWidgetSchema keys widgets by name only, so a change to count keeps
// the hash.
func namedWidgetSchema(t *testing.T) *domain.Schema {
	t.Helper()
	s := widgetSchema(t)
	s.Identity = func(obj any) uint32 {
		return murmur3.Sum32([]byte(obj.(*widget).Name))
	}
	return s
}

func TestScenario_TwoNodeSync(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, n *Node)
	}{
		{"plain", func(*testing.T, *Node) {}},
		{"encrypted compressed", func(t *testing.T, n *Node) {
			proc, err := processor.NewEncrypted([]byte("shared secret"), adaptive.CipherChaCha20)
			if err != nil {
				t.Fatalf("NewEncrypted() error = %v", err)
			}
			if err := n.SetProcessor(proc); err != nil {
				t.Fatalf("SetProcessor() error = %v", err)
			}
			if err := n.SetCompression(wire.CompressionS2); err != nil {
				t.Fatalf("SetCompression() error = %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newNode(t), newNode(t)
			tt.setup(t, a)
			tt.setup(t, b)

			aw, err := Register[widget](a, widgetSchema(t))
			if err != nil {
				t.Fatalf("Register(a) error = %v", err)
			}
			bw, err := Register[widget](b, widgetSchema(t))
			if err != nil {
				t.Fatalf("Register(b) error = %v", err)
			}

			ha, err := aw.Persist(&widget{Name: "from-a", Count: 1})
			if err != nil {
				t.Fatalf("Persist(a) error = %v", err)
			}
			if _, err := bw.Persist(&widget{Name: "from-b", Count: 2}); err != nil {
				t.Fatalf("Persist(b) error = %v", err)
			}

			port := startNode(t, a)
			startNode(t, b)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := b.ConnectTo(ctx, "127.0.0.1", port); err != nil {
				t.Fatalf("ConnectTo() error = %v", err)
			}

			// Both sides hold the union after the initial exchange.
			eventually(t, "full sync", func() bool {
				return aw.Len() == 2 && bw.Len() == 2
			})

			if err := ha.Set("count", 10); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			eventually(t, "change on b", func() bool {
				n, ok := countOf(bw, "from-a")
				return ok && n == 10
			})

			remote := findWidget(aw, "from-b")
			hb, ok := aw.Handle(remote)
			if !ok {
				t.Fatal("Handle() on synced object failed")
			}
			if !hb.Unpersist() {
				t.Fatal("Unpersist() = false")
			}
			eventually(t, "removal on b", func() bool {
				return bw.Len() == 1 && findWidget(bw, "from-b") == nil
			})

			if _, err := bw.Persist(&widget{Name: "late", Count: 3}); err != nil {
				t.Fatalf("Persist(late) error = %v", err)
			}
			eventually(t, "creation on a", func() bool {
				return findWidget(aw, "late") != nil
			})
		})
	}
}

func TestScenario_RelayAcrossThreeNodes(t *testing.T) {
	a, b, c := newNode(t), newNode(t), newNode(t)
	var cols []*Collection[widget]
	for _, n := range []*Node{a, b, c} {
		col, err := Register[widget](n, widgetSchema(t))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		cols = append(cols, col)
	}

	portA := startNode(t, a)
	portB := startNode(t, b)
	startNode(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Chain a <- b <- c; a and c never talk directly.
	if _, err := b.ConnectTo(ctx, "127.0.0.1", portA); err != nil {
		t.Fatalf("ConnectTo(a) error = %v", err)
	}
	if _, err := c.ConnectTo(ctx, "127.0.0.1", portB); err != nil {
		t.Fatalf("ConnectTo(b) error = %v", err)
	}

	if _, err := cols[0].Persist(&widget{Name: "relayed"}); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	eventually(t, "creation relayed to c", func() bool {
		return findWidget(cols[2], "relayed") != nil
	})
	// The relay must not echo the object back into a.
	if cols[0].Len() != 1 {
		t.Errorf("a holds %d objects, want 1", cols[0].Len())
	}
}

func TestScenario_ChangeStopsInCycle(t *testing.T) {
	tests := []struct {
		name   string
		schema func(t *testing.T) *domain.Schema
	}{
		{"content hash", widgetSchema},
		{"name identity", namedWidgetSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := []*Node{newNode(t), newNode(t), newNode(t)}
			var cols []*Collection[widget]
			var ports []int
			for _, n := range nodes {
				col, err := Register[widget](n, tt.schema(t))
				if err != nil {
					t.Fatalf("Register() error = %v", err)
				}
				cols = append(cols, col)
				ports = append(ports, startNode(t, n))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// Triangle: b dials a, c dials b, a dials c.
			for i, n := range nodes {
				if _, err := n.ConnectTo(ctx, "127.0.0.1", ports[(i+2)%3]); err != nil {
					t.Fatalf("ConnectTo() error = %v", err)
				}
			}
			eventually(t, "triangle", func() bool {
				for _, n := range nodes {
					if len(n.Connections()) != 2 {
						return false
					}
				}
				return true
			})

			h, err := cols[0].Persist(&widget{Name: "looped", Count: 1})
			if err != nil {
				t.Fatalf("Persist() error = %v", err)
			}
			eventually(t, "creation everywhere", func() bool {
				for _, c := range cols {
					if _, ok := countOf(c, "looped"); !ok {
						return false
					}
				}
				return true
			})

			applied := func() float64 {
				var sum float64
				for _, n := range nodes {
					sum += testutil.ToFloat64(n.Metrics().SyncApplied.WithLabelValues("CHANGE"))
				}
				return sum
			}

			if err := h.Set("count", 7); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			eventually(t, "change everywhere", func() bool {
				for _, c := range cols {
					if n, _ := countOf(c, "looped"); n != 7 {
						return false
					}
				}
				return true
			})
			time.Sleep(300 * time.Millisecond)
			if got := applied(); got != 2 {
				t.Errorf("CHANGE applied %v times across the cluster, want 2", got)
			}

			// Setting the value already held announces nothing.
			if err := h.Set("count", 7); err != nil {
				t.Fatalf("Set(same) error = %v", err)
			}
			time.Sleep(300 * time.Millisecond)
			if got := applied(); got != 2 {
				t.Errorf("CHANGE applied %v times after an unchanged set, want 2", got)
			}
		})
	}
}

func TestScenario_ShutdownKicksPeers(t *testing.T) {
	a, b := newNode(t), newNode(t)
	aw, err := Register[widget](a, widgetSchema(t))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := Register[widget](b, widgetSchema(t)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := aw.Persist(&widget{Name: "kept"}); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	port := startNode(t, a)
	startNode(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.ConnectTo(ctx, "127.0.0.1", port); err != nil {
		t.Fatalf("ConnectTo() error = %v", err)
	}
	eventually(t, "connection registered on a", func() bool {
		return len(a.Connections()) == 1
	})

	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	// A Kick invalidates the receiving node's state.
	eventually(t, "a invalidated", func() bool {
		return aw.Len() == 0 && len(a.Connections()) == 0
	})
}
