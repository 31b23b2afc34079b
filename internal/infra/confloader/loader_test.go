package confloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Node struct {
		Port               int     `koanf:"port"`
		AllowedConnections int     `koanf:"allowed_connections"`
		InboundRate        float64 `koanf:"inbound_rate"`
	} `koanf:"node"`
	Peers     []string `koanf:"peers"`
	Discovery struct {
		Seeds           []string      `koanf:"seeds"`
		RetryMaxElapsed time.Duration `koanf:"retry_max_elapsed"`
	} `koanf:"discovery"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"PERSISTMESH_NODE_PORT", "node.port"},
		{"PERSISTMESH_NODE_ALLOWED_CONNECTIONS", "node.allowed_connections"},
		{"PERSISTMESH_DISCOVERY_RETRY_MAX_ELAPSED", "discovery.retry_max_elapsed"},
		{"PERSISTMESH_PEERS", "peers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnvKey(DefaultEnvPrefix, tt.name); got != tt.want {
				t.Errorf("EnvKey(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestLoader_Layering(t *testing.T) {
	path := writeFile(t, `
node:
  port: 6100
  allowed_connections: 3
peers:
  - 10.0.0.1:6000
discovery:
  retry_max_elapsed: 5s
log:
  level: info
`)
	t.Setenv("PERSISTMESH_NODE_ALLOWED_CONNECTIONS", "8")
	t.Setenv("PERSISTMESH_DISCOVERY_SEEDS", "10.0.0.2:7946,10.0.0.3:7946")
	t.Setenv("PERSISTMESH_LOG_LEVEL", "warn")

	var cfg testConfig
	cfg.Node.InboundRate = 50 // a default no source overrides

	l := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"log.level": "debug"}),
	)
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.Port != 6100 {
		t.Errorf("node.port = %d, want 6100 from file", cfg.Node.Port)
	}
	if cfg.Node.AllowedConnections != 8 {
		t.Errorf("node.allowed_connections = %d, want 8 from env", cfg.Node.AllowedConnections)
	}
	if cfg.Node.InboundRate != 50 {
		t.Errorf("node.inbound_rate = %v, want the default 50", cfg.Node.InboundRate)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0] != "10.0.0.1:6000" {
		t.Errorf("peers = %v", cfg.Peers)
	}
	if len(cfg.Discovery.Seeds) != 2 || cfg.Discovery.Seeds[1] != "10.0.0.3:7946" {
		t.Errorf("discovery.seeds = %v", cfg.Discovery.Seeds)
	}
	if cfg.Discovery.RetryMaxElapsed != 5*time.Second {
		t.Errorf("discovery.retry_max_elapsed = %v, want 5s", cfg.Discovery.RetryMaxElapsed)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug from overrides", cfg.Log.Level)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")))
	var cfg testConfig
	if err := l.Load(&cfg); err == nil {
		t.Error("Load() error = nil for a missing file")
	}
}

func TestWatcher_ReportsChanges(t *testing.T) {
	path := writeFile(t, "log:\n  level: info\n")
	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	changed := make(chan string, 4)
	w.OnChange(func(p string) { changed <- p })

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case p := <-changed:
		t.Fatalf("change reported for %s", p)
	case <-time.After(150 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case p := <-changed:
		if filepath.Base(p) != "node.yaml" {
			t.Errorf("changed path = %q", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestNewWatcher_MissingDir(t *testing.T) {
	if _, err := NewWatcher("/nonexistent/dir/node.yaml"); err == nil {
		t.Error("NewWatcher() error = nil for a missing directory")
	}
}
