package command

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/persistmesh-go/internal/telemetry/logger"
)

func TestApp(t *testing.T) {
	app := App()
	if app.Name != "persistmesh-node" {
		t.Errorf("Name = %q, want persistmesh-node", app.Name)
	}
	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, want := range []string{"run", "version"} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	app := App()
	app.Writer = &out
	if err := app.Run([]string{"persistmesh-node", "version"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "persistmesh-node ") || !strings.Contains(out.String(), "protocol version 1") {
		t.Errorf("version output = %q", out.String())
	}
}

// parseRun parses args with the run flags and returns the overrides.
func parseRun(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var got map[string]any
	app := &cli.App{
		Commands: []*cli.Command{{
			Name:  "run",
			Flags: runFlags(),
			Action: func(c *cli.Context) error {
				got = flagOverrides(c)
				return nil
			},
		}},
	}
	if err := app.Run(append([]string{"persistmesh-node", "run"}, args...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return got
}

func TestFlagOverrides(t *testing.T) {
	got := parseRun(t, "--port", "7000", "--peer", "10.0.0.1:6000", "--peer", "10.0.0.2:6000",
		"--processor", "encrypted", "--metrics-addr", "127.0.0.1:9999")

	if got["node.port"] != 7000 {
		t.Errorf("node.port = %v, want 7000", got["node.port"])
	}
	peers, _ := got["peers"].([]string)
	if len(peers) != 2 || peers[1] != "10.0.0.2:6000" {
		t.Errorf("peers = %v", got["peers"])
	}
	if got["processor.type"] != "encrypted" {
		t.Errorf("processor.type = %v", got["processor.type"])
	}
	if got["metrics.enabled"] != true || got["metrics.addr"] != "127.0.0.1:9999" {
		t.Errorf("metrics = %v %v", got["metrics.enabled"], got["metrics.addr"])
	}
	if _, ok := got["log.level"]; ok {
		t.Error("unset flag produced an override")
	}

	if got := parseRun(t); len(got) != 0 {
		t.Errorf("no flags gave overrides %v", got)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	content := `
node:
  id: node-a
  port: 6100
processor:
  type: encrypted
  secret: correct-horse-battery
compression: s2
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := loadConfig(path, map[string]any{"node.port": 6200})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Node.ID != "node-a" || cfg.Node.Port != 6200 {
		t.Errorf("node = %+v, want id node-a port 6200", cfg.Node)
	}
	if cfg.Node.AllowedConnections != 2 {
		t.Errorf("allowed_connections = %d, want the default 2", cfg.Node.AllowedConnections)
	}
	if cfg.Compression != "s2" || cfg.Log.Level != "warn" {
		t.Errorf("compression = %q level = %q", cfg.Compression, cfg.Log.Level)
	}

	if _, err := loadConfig(path, map[string]any{"compression": "zip"}); err == nil {
		t.Error("loadConfig() accepted an invalid compression")
	}
}

func TestReloadLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	defer logger.SetLevel(logger.GetLevel())
	logger.SetLevel("info")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reloadLogLevel(path, nil, log)
	if got := logger.GetLevel(); got != "debug" {
		t.Errorf("level after reload = %q, want debug", got)
	}

	// A flag override wins over the file.
	reloadLogLevel(path, map[string]any{"log.level": "error"}, log)
	if got := logger.GetLevel(); got != "error" {
		t.Errorf("level after reload = %q, want error", got)
	}
}

func TestNoteSchema(t *testing.T) {
	schema, err := NoteSchema()
	if err != nil {
		t.Fatalf("NoteSchema() error = %v", err)
	}
	values := schema.Values(&Note{Title: "t", Body: "b"})
	if values["title"] != "t" || values["body"] != "b" {
		t.Errorf("Values() = %v", values)
	}
	if notes := seedNotes("node-a"); len(notes) == 0 || !strings.Contains(notes[0].Body, "node-a") {
		t.Errorf("seedNotes() = %v", notes)
	}
}
