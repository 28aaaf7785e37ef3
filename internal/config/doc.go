// Package config loads sheetbridge configuration from YAML.
//
// Environment variables referenced as ${VAR_NAME} are expanded before
// parsing, interval fields accept Go duration strings ("5m", "30s"), and
// every optional knob has a default so a minimal config is just the HTTP
// address and database path.
package config
