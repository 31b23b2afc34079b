package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/persistmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/persistmesh-go/internal/infra/confloader"
	"github.com/yndnr/persistmesh-go/internal/infra/shutdown"
	"github.com/yndnr/persistmesh-go/internal/node"
	"github.com/yndnr/persistmesh-go/internal/server/config"
	"github.com/yndnr/persistmesh-go/internal/server/discovery"
	"github.com/yndnr/persistmesh-go/internal/server/httpserver"
	"github.com/yndnr/persistmesh-go/internal/telemetry/logger"
)

const (
	shutdownTimeout = 15 * time.Second
	statusRateLimit = 50
)

// flagKeys maps run flags onto configuration keys.
var flagKeys = map[string]string{
	"listen":              "node.listen_addr",
	"port":                "node.port",
	"allowed-connections": "node.allowed_connections",
	"peer":                "peers",
	"processor":           "processor.type",
	"cipher":              "processor.cipher",
	"compression":         "compression",
	"log-level":           "log.level",
	"log-format":          "log.format",
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML configuration file",
			EnvVars: []string{"PERSISTMESH_CONFIG"},
		},
		&cli.StringFlag{Name: "listen", Usage: "Replication listen address"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Replication port"},
		&cli.IntFlag{Name: "allowed-connections", Usage: "Maximum accepted plus dialed connections"},
		&cli.StringSliceFlag{Name: "peer", Usage: "Peer host:port to dial at start (repeatable)"},
		&cli.StringFlag{Name: "processor", Usage: "Packet processor: none, encrypted"},
		&cli.StringFlag{Name: "cipher", Usage: "Cipher of the encrypted processor: aes-gcm, chacha20-poly1305"},
		&cli.StringFlag{Name: "compression", Usage: "Payload compression: none, s2"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"},
		&cli.StringFlag{Name: "log-format", Usage: "Log format: json, text"},
		&cli.BoolFlag{Name: "seed", Usage: "Persist a few demo notes at start"},
		&cli.DurationFlag{Name: "report-interval", Usage: "How often to log the store contents", Value: 30 * time.Second},
	}
}

// RunCommand starts a node replicating Notes.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Start a node",
		Flags:  runFlags(),
		Action: runNode,
	}
}

// flagOverrides returns the configuration keys set on the command line.
func flagOverrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for flag, key := range flagKeys {
		if !c.IsSet(flag) {
			continue
		}
		switch flag {
		case "port", "allowed-connections":
			out[key] = c.Int(flag)
		case "peer":
			out[key] = c.StringSlice(flag)
		default:
			out[key] = c.String(flag)
		}
	}
	if c.IsSet("metrics-addr") {
		out["metrics.enabled"] = true
		out["metrics.addr"] = c.String("metrics-addr")
	}
	return out
}

// loadConfig layers defaults, the file, the environment and overrides,
// then validates the result.
func loadConfig(path string, overrides map[string]any) (*config.NodeConfig, error) {
	cfg := config.Default()
	loader := confloader.NewLoader(
		confloader.WithConfigFile(path),
		confloader.WithOverrides(overrides),
	)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runNode(c *cli.Context) error {
	cfgPath := c.String("config")
	overrides := flagOverrides(c)
	cfg, err := loadConfig(cfgPath, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	sanitized := config.Sanitize(cfg)
	log.Info("starting persistmesh-node",
		"version", buildinfo.Version,
		"config", cfgPath,
		"port", cfg.Node.Port,
		"processor", sanitized.Processor.Type,
		"compression", cfg.Compression,
		"peers", cfg.Peers,
		"discovery", cfg.Discovery.Enabled)

	nodeCfg, err := config.ToNodeConfig(cfg)
	if err != nil {
		return err
	}
	if nodeCfg.Version == 0 {
		nodeCfg.Version = buildinfo.ProtocolVersion
	}
	proc, err := config.BuildProcessor(cfg)
	if err != nil {
		return err
	}

	n := node.New(nodeCfg, node.WithLogger(log), node.WithProcessor(proc))
	schema, err := NoteSchema()
	if err != nil {
		return err
	}
	notes, err := node.Register[Note](n, schema)
	if err != nil {
		return err
	}
	if c.Bool("seed") {
		for _, note := range seedNotes(n.ID()) {
			if _, err := notes.Persist(note); err != nil {
				return fmt.Errorf("seed notes: %w", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	h := shutdown.NewHandler(shutdownTimeout, log)
	h.OnShutdown("node", n.Shutdown)

	for _, addr := range cfg.Peers {
		go dialPeer(ctx, n, addr, cfg.Discovery.RetryMaxElapsed, log)
	}

	if cfg.Discovery.Enabled {
		advertise := config.AdvertiseAddr(n.Addr(), "127.0.0.1")
		d, err := discovery.New(config.ToDiscoveryConfig(cfg, n.ID(), advertise, log),
			func(ctx context.Context, host string, port int) error {
				_, err := n.ConnectTo(ctx, host, port)
				return err
			})
		if err != nil {
			_ = h.Run()
			return fmt.Errorf("start discovery: %w", err)
		}
		h.OnShutdown("discovery", d.Shutdown)
	}

	if cfg.Metrics.Enabled {
		srv := httpserver.New(cfg.Metrics.Addr, httpserver.NewRouter(httpserver.RouterConfig{
			Node:      n,
			Metrics:   n.Metrics().Handler(),
			Logger:    log,
			RateLimit: statusRateLimit,
		}), log)
		if err := srv.Start(); err != nil {
			_ = h.Run()
			return fmt.Errorf("start status server: %w", err)
		}
		h.OnShutdown("status server", srv.Shutdown)
	}

	if cfgPath != "" {
		w, err := confloader.NewWatcher(cfgPath, confloader.WithWatcherLogger(log))
		if err != nil {
			log.Warn("configuration reload disabled", "error", err)
		} else {
			w.OnChange(func(path string) { reloadLogLevel(path, overrides, log) })
			h.OnShutdown("config watcher", func(context.Context) error { return w.Stop() })
		}
	}

	go report(ctx, n, notes, c.Duration("report-interval"), log)
	h.OnShutdown("background", func(context.Context) error {
		cancel()
		return nil
	})

	log.Info("node started", "id", n.ID(), "addr", n.Addr().String())
	if err := h.Wait(c.Context); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("node stopped")
	return nil
}

// reloadLogLevel applies log.level from a changed configuration file.
func reloadLogLevel(path string, overrides map[string]any, log *slog.Logger) {
	cfg, err := loadConfig(path, overrides)
	if err != nil {
		log.Warn("ignoring changed configuration", "error", err)
		return
	}
	if cfg.Log.Level == logger.GetLevel() {
		return
	}
	logger.SetLevel(cfg.Log.Level)
	log.Info("log level changed", "level", logger.GetLevel())
}
