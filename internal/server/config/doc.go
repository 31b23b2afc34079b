// Package config defines the persistmesh-node configuration.
//
//   - spec.go: NodeConfig and its sections
//   - default.go: default values
//   - verify.go: validation with errors naming the offending key
//   - sanitize.go: a copy safe to log
//   - convert.go: mapping onto node, processor and discovery settings
//
// Configuration is loaded by internal/infra/confloader from a YAML
// file, PERSISTMESH_ environment variables and command-line overrides.
package config
