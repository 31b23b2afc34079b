package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/telemetry/logger"
	"github.com/yndnr/persistmesh-go/pkg/crypto/adaptive"
)

// Verify validates cfg. Every problem found is reported, each naming the
// offending key.
func Verify(cfg *NodeConfig) error {
	var errs []error
	add := func(key, format string, args ...any) {
		errs = append(errs, domain.ErrInvalidConfig.WithDetailsf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	n := &cfg.Node
	if n.Port < 0 || n.Port > 65535 {
		add("node.port", "%d out of range", n.Port)
	}
	if n.AllowedConnections < 1 {
		add("node.allowed_connections", "must be at least 1, got %d", n.AllowedConnections)
	}
	if n.Workers < 1 {
		add("node.workers", "must be at least 1, got %d", n.Workers)
	}
	if n.QueueSize < 0 {
		add("node.queue_size", "must not be negative")
	}
	if n.InboundRate < 0 {
		add("node.inbound_rate", "must not be negative")
	}

	for i, p := range cfg.Peers {
		if err := verifyHostPort(p); err != nil {
			add(fmt.Sprintf("peers[%d]", i), "%v", err)
		}
	}

	switch cfg.Processor.Type {
	case "", processor.KindNone:
	case processor.KindEncrypted:
		if cfg.Processor.Secret == "" {
			add("processor.secret", "required by the encrypted processor")
		}
		if _, err := adaptive.ParseCipherType(cfg.Processor.Cipher); err != nil {
			add("processor.cipher", "%v", err)
		}
	default:
		add("processor.type", "unknown processor %q", cfg.Processor.Type)
	}

	if _, err := wire.ParseCompression(cfg.Compression); err != nil {
		add("compression", "%v", err)
	}

	if d := &cfg.Discovery; d.Enabled {
		if d.BindPort < 0 || d.BindPort > 65535 {
			add("discovery.bind_port", "%d out of range", d.BindPort)
		}
		for i, s := range d.Seeds {
			if err := verifyHostPort(s); err != nil {
				add(fmt.Sprintf("discovery.seeds[%d]", i), "%v", err)
			}
		}
	}

	if cfg.Metrics.Enabled {
		if err := verifyHostPort(cfg.Metrics.Addr); err != nil {
			add("metrics.addr", "%v", err)
		}
	}

	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	switch cfg.Log.Format {
	case "", "json", "text", "console":
	default:
		add("log.format", "unknown format %q", cfg.Log.Format)
	}

	return errors.Join(errs...)
}

func verifyHostPort(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	return nil
}
