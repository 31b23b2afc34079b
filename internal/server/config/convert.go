package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/yndnr/persistmesh-go/internal/core/processor"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/node"
	"github.com/yndnr/persistmesh-go/internal/server/discovery"
)

// ToNodeConfig maps cfg onto the node settings.
func ToNodeConfig(cfg *NodeConfig) (node.Config, error) {
	if cfg == nil {
		return node.Config{}, fmt.Errorf("node config is nil")
	}
	compression, err := wire.ParseCompression(cfg.Compression)
	if err != nil {
		return node.Config{}, err
	}
	return node.Config{
		ID:                 cfg.Node.ID,
		Version:            cfg.Node.Version,
		ListenAddr:         cfg.Node.ListenAddr,
		Port:               cfg.Node.Port,
		AllowedConnections: cfg.Node.AllowedConnections,
		Workers:            cfg.Node.Workers,
		QueueSize:          cfg.Node.QueueSize,
		InboundRate:        cfg.Node.InboundRate,
		Compression:        compression,
	}, nil
}

// BuildProcessor creates the configured packet processor.
func BuildProcessor(cfg *NodeConfig) (processor.Processor, error) {
	return processor.New(cfg.Processor.Type, cfg.Processor.Secret, cfg.Processor.Cipher)
}

// ToDiscoveryConfig maps the discovery section for a started node.
// advertise is the replication address other members should dial.
func ToDiscoveryConfig(cfg *NodeConfig, nodeID, advertise string, logger *slog.Logger) discovery.Config {
	return discovery.Config{
		NodeID:          nodeID,
		BindAddr:        cfg.Discovery.BindAddr,
		BindPort:        cfg.Discovery.BindPort,
		AdvertiseAddr:   advertise,
		Seeds:           cfg.Discovery.Seeds,
		RetryMaxElapsed: cfg.Discovery.RetryMaxElapsed,
		Logger:          logger,
	}
}

// AdvertiseAddr returns the replication address to announce. An
// unspecified listen address is replaced by fallbackHost.
func AdvertiseAddr(listen net.Addr, fallbackHost string) string {
	tcp, ok := listen.(*net.TCPAddr)
	if !ok {
		return listen.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = fallbackHost
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
