// Package config loads server configuration from built-in defaults, an
// optional JSON or YAML file, and NORISH_* environment variable overlays,
// applied in that order.
package config
