// Package config provides the embedded default configuration for sdlink.
package config

import _ "embed"

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// It is written to SDLINK_DIR/config.yaml by "sdlink config create".
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
