package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 60*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 60s", cfg.Server.RequestTimeout)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Translation.CacheSize != 1024 {
		t.Errorf("Translation.CacheSize = %d, want 1024", cfg.Translation.CacheSize)
	}
	if cfg.Proxy.MaxRetries != 3 {
		t.Errorf("Proxy.MaxRetries = %d, want 3", cfg.Proxy.MaxRetries)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
storage:
  type: sqlite
  sqlite:
    path: /tmp/gateway.db
rate_limits:
  per_client:
    requests_per_second: 25
providers:
  - id: 2b1e9e60-6b76-4aa0-9a7c-0f3a0a2b7f10
    name: search
    base_url: http://search.internal:8080
    protocol_version: v2.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/gateway.db" {
		t.Errorf("Storage = %+v, want sqlite at /tmp/gateway.db", cfg.Storage)
	}
	if cfg.RateLimits.PerClient.RequestsPerSecond != 25 {
		t.Errorf("PerClient.RequestsPerSecond = %d, want 25", cfg.RateLimits.PerClient.RequestsPerSecond)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "search" {
		t.Errorf("Providers = %+v, want one named search", cfg.Providers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("FEDGATE_SERVER__PORT", "7070")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 (env overrides file)", cfg.Server.Port)
	}
}
