// Package config handles crewboard configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the crewboard.yaml configuration file.
type Config struct {
	Listen      string            `yaml:"listen"`
	Backend     string            `yaml:"backend"` // postgres, memory
	DatabaseURL string            `yaml:"database_url"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Propagation PropagationConfig `yaml:"propagation"`
}

// SweepConfig controls the periodic consistency sweep.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PropagationConfig bounds conflict retries in claims, status updates, and
// dependent unblocking.
type PropagationConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:  ":8080",
		Backend: "postgres",
		Sweep: SweepConfig{
			Interval: time.Minute,
		},
		Propagation: PropagationConfig{
			Retries: 3,
			Backoff: 50 * time.Millisecond,
		},
	}
}

// Load reads a config file, applies defaults for unset fields, and overrides
// the database URL from DATABASE_URL if set. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.DatabaseURL = url
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Listen = ":" + port
	}
}

// Validate checks field combinations.
func (c *Config) Validate() error {
	switch c.Backend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: backend postgres requires database_url or DATABASE_URL")
		}
	case "memory":
		// nothing to check
	default:
		return fmt.Errorf("config: unknown backend %q (valid: postgres, memory)", c.Backend)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config: sweep interval must be positive")
	}
	if c.Propagation.Retries < 1 {
		return fmt.Errorf("config: propagation retries must be at least 1")
	}
	return nil
}
