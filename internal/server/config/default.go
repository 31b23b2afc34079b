package config

import "time"

// Default configuration values.
const (
	DefaultPort               = 6000
	DefaultAllowedConnections = 2
	DefaultWorkers            = 4
	DefaultQueueSize          = 1024

	DefaultProcessor   = "none"
	DefaultCipher      = "aes-gcm"
	DefaultCompression = "none"

	DefaultDiscoveryPort  = 7946
	DefaultRetryMaxElapse = 30 * time.Second

	DefaultMetricsAddr = "127.0.0.1:9464"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default node configuration.
func Default() *NodeConfig {
	return &NodeConfig{
		Node: NodeSection{
			Port:               DefaultPort,
			AllowedConnections: DefaultAllowedConnections,
			Workers:            DefaultWorkers,
			QueueSize:          DefaultQueueSize,
		},
		Processor: ProcessorSection{
			Type:   DefaultProcessor,
			Cipher: DefaultCipher,
		},
		Compression: DefaultCompression,
		Discovery: DiscoverySection{
			BindPort:        DefaultDiscoveryPort,
			RetryMaxElapsed: DefaultRetryMaxElapse,
		},
		Metrics: MetricsSection{
			Addr: DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
