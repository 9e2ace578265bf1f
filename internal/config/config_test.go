package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Check(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  addr: "127.0.0.1:9999"
session:
  idle_timeout: 5m
  absolute_timeout: 30m
  reap_interval: 10s
  max_sessions: 4
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q, want 127.0.0.1:9999", cfg.Server.Addr)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("idle_timeout = %v, want 5m", cfg.Session.IdleTimeout)
	}
	// Untouched sections keep defaults.
	if cfg.Executor.DefaultTimeout != 30*time.Second {
		t.Errorf("default_timeout = %v, want 30s", cfg.Executor.DefaultTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHELLGATE_ADDR", "0.0.0.0:7000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:7000" {
		t.Errorf("addr = %q, want env override", cfg.Server.Addr)
	}
}

func TestCheckRejectsBadTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Session.AbsoluteTimeout = time.Minute
	cfg.Session.IdleTimeout = time.Hour
	if err := cfg.Check(); err == nil {
		t.Fatal("expected error for absolute < idle")
	}
}
