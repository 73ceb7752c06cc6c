package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.MinDeposit != 100 {
		t.Fatalf("expected default min_deposit 100, got %d", cfg.Channel.MinDeposit)
	}
	if cfg.Ops.MaxHops != 3 {
		t.Fatalf("expected default max_hops 3, got %d", cfg.Ops.MaxHops)
	}
	if cfg.RateLimit.Burst != 50 {
		t.Fatalf("expected default rate limit burst 50, got %d", cfg.RateLimit.Burst)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodalyncd.yaml")
	yaml := "channel:\n  min_deposit: 250\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.MinDeposit != 250 {
		t.Fatalf("expected overridden min_deposit 250, got %d", cfg.Channel.MinDeposit)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden logging level debug, got %s", cfg.Logging.Level)
	}
	// Values not present in the file keep their defaults.
	if cfg.Ops.MaxHops != 3 {
		t.Fatalf("expected default max_hops 3, got %d", cfg.Ops.MaxHops)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("NODALYNC_LOGGING_LEVEL", "trace")
	defer os.Unsetenv("NODALYNC_LOGGING_LEVEL")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "trace" {
		t.Fatalf("expected env override trace, got %s", cfg.Logging.Level)
	}
}
