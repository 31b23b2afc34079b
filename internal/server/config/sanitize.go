package config

import "github.com/yndnr/persistmesh-go/internal/telemetry/logger"

// Sanitize returns a copy of cfg with the processor secret masked, for
// logging.
func Sanitize(cfg *NodeConfig) *NodeConfig {
	sanitized := *cfg
	sanitized.Processor.Secret = logger.Mask(cfg.Processor.Secret)
	return &sanitized
}
