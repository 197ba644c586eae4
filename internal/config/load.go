package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Load merges Defaults() + the YAML file at path (if non-empty) + MOSAIC_*
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ParseEnv overlays environment variables onto target. Unset variables leave
// the existing values in place.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// loadFromFile decodes YAML on top of cfg. Keys missing from the file keep
// their current values; unknown keys are rejected.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}
