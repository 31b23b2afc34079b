// Package confloader loads configuration with koanf.
//
// Sources are layered, later ones winning:
//
//  1. values already present in the target struct (defaults)
//  2. a YAML file
//  3. environment variables with the PERSISTMESH_ prefix
//  4. explicit overrides, typically command-line flags
//
// A Watcher reports changes of the configuration file so that settings
// such as the log level can be reloaded without a restart.
package confloader
