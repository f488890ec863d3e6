// Package config loads gateway configuration from an optional YAML file
// overlaid with FEDGATE_-prefixed environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	RateLimits  RateLimitConfig   `koanf:"rate_limits"`
	Proxy       ProxyConfig       `koanf:"proxy"`
	Translation TranslationConfig `koanf:"translation"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Providers   []ProviderConfig  `koanf:"providers"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// LimitsConfig is one set of fixed-window limits. Zero values fall back
// to the built-in defaults.
type LimitsConfig struct {
	RequestsPerSecond     uint32 `koanf:"requests_per_second"`
	RequestsPerMinute     uint32 `koanf:"requests_per_minute"`
	RequestsPerHour       uint32 `koanf:"requests_per_hour"`
	MaxConcurrentRequests uint32 `koanf:"max_concurrent_requests"`
}

type RateLimitConfig struct {
	Global    LimitsConfig `koanf:"global"`
	PerClient LimitsConfig `koanf:"per_client"`
}

type ProxyConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	MaxRetries        int           `koanf:"max_retries"`
	AllowAutoRegister bool          `koanf:"allow_auto_register"`
	DegradeThreshold  int           `koanf:"degrade_threshold"`
	BreakThreshold    int           `koanf:"break_threshold"`
	BrokenCooldown    time.Duration `koanf:"broken_cooldown"`
}

type TranslationConfig struct {
	CacheSize int `koanf:"cache_size"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// ProviderConfig declares a backend server registered at startup.
type ProviderConfig struct {
	ID              string `koanf:"id"`
	Name            string `koanf:"name"`
	BaseURL         string `koanf:"base_url"`
	ProtocolVersion string `koanf:"protocol_version"`
}

// Load reads config.yaml (when present) and FEDGATE_ environment
// variables; double underscores in variable names become key separators,
// so FEDGATE_SERVER__PORT sets server.port.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("FEDGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FEDGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.request_timeout") {
		k.Set("server.request_timeout", "60s")
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "memory")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "federation.db")
	}
	if !k.Exists("proxy.timeout") {
		k.Set("proxy.timeout", "30s")
	}
	if !k.Exists("proxy.max_retries") {
		k.Set("proxy.max_retries", 3)
	}
	if !k.Exists("translation.cache_size") {
		k.Set("translation.cache_size", 1024)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
