package config

import "time"

// NodeConfig is the root configuration of persistmesh-node.
type NodeConfig struct {
	Node        NodeSection      `koanf:"node"`
	Peers       []string         `koanf:"peers"`
	Processor   ProcessorSection `koanf:"processor"`
	Compression string           `koanf:"compression"`
	Discovery   DiscoverySection `koanf:"discovery"`
	Metrics     MetricsSection   `koanf:"metrics"`
	Log         LogSection       `koanf:"log"`
}

// NodeSection configures the replication listener and its pool.
type NodeSection struct {
	// ID names the node. Empty generates one at start.
	ID                 string  `koanf:"id"`
	Version            int     `koanf:"version"`
	ListenAddr         string  `koanf:"listen_addr"`
	Port               int     `koanf:"port"`
	AllowedConnections int     `koanf:"allowed_connections"`
	Workers            int     `koanf:"workers"`
	QueueSize          int     `koanf:"queue_size"`
	InboundRate        float64 `koanf:"inbound_rate"`
}

// ProcessorSection selects the packet processor. Every peer must use
// the same type, secret and cipher.
type ProcessorSection struct {
	Type   string `koanf:"type"`
	Secret string `koanf:"secret"`
	Cipher string `koanf:"cipher"`
}

// DiscoverySection configures gossip discovery.
type DiscoverySection struct {
	Enabled  bool     `koanf:"enabled"`
	BindAddr string   `koanf:"bind_addr"`
	BindPort int      `koanf:"bind_port"`
	Seeds    []string `koanf:"seeds"`
	// RetryMaxElapsed bounds join and dial retries.
	RetryMaxElapsed time.Duration `koanf:"retry_max_elapsed"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
