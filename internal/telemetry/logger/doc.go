// Package logger configures structured logging for persistmesh.
//
// It builds log/slog handlers:
//
//   - logger.go: JSON or text handlers sharing a process-wide level
//   - context.go: logger and connection ID propagation through contexts
//   - redact.go: masking of secret-bearing attributes
//
// The level can be changed at runtime with SetLevel, which the config
// watcher calls when log.level changes.
package logger
