// Package config loads the daemon configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then MOSAIC_* environment variables. The result is validated before use.
package config
