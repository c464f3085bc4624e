package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crewboard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/crewboard")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Backend != "postgres" {
		t.Errorf("defaults: got listen=%q backend=%q", cfg.Listen, cfg.Backend)
	}
	if cfg.Sweep.Interval != time.Minute {
		t.Errorf("sweep interval: got %s", cfg.Sweep.Interval)
	}
	if cfg.Propagation.Retries != 3 || cfg.Propagation.Backoff != 50*time.Millisecond {
		t.Errorf("propagation: got %+v", cfg.Propagation)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	path := writeConfig(t, `
listen: ":9090"
backend: memory
sweep:
  interval: 30s
propagation:
  retries: 5
  backoff: 10ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.Backend != "memory" {
		t.Errorf("got listen=%q backend=%q", cfg.Listen, cfg.Backend)
	}
	if cfg.Sweep.Interval != 30*time.Second {
		t.Errorf("sweep interval: got %s", cfg.Sweep.Interval)
	}
	if cfg.Propagation.Retries != 5 || cfg.Propagation.Backoff != 10*time.Millisecond {
		t.Errorf("propagation: got %+v", cfg.Propagation)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	path := writeConfig(t, "backend: memory\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Sweep.Interval != time.Minute {
		t.Errorf("unset fields must keep defaults: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
backend: postgres
database_url: postgres://file/db
`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("DATABASE_URL must win: got %q", cfg.DatabaseURL)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("PORT must win: got %q", cfg.Listen)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"postgres with url", func(c *Config) { c.DatabaseURL = "postgres://x/y" }, false},
		{"postgres without url", func(c *Config) {}, true},
		{"memory backend", func(c *Config) { c.Backend = "memory" }, false},
		{"unknown backend", func(c *Config) { c.Backend = "sqlite" }, true},
		{"zero sweep interval", func(c *Config) {
			c.Backend = "memory"
			c.Sweep.Interval = 0
		}, true},
		{"zero retries", func(c *Config) {
			c.Backend = "memory"
			c.Propagation.Retries = 0
		}, true},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
