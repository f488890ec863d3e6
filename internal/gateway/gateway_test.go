package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpfed/federation-gateway/internal/config"
	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, RequestTimeout: 30 * time.Second},
		Storage: config.StorageConfig{
			Type: "memory",
		},
		Proxy: config.ProxyConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 2,
		},
		Translation: config.TranslationConfig{CacheSize: 16},
	}
}

func TestGateway_New(t *testing.T) {
	gw, err := New(testConfig(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer gw.store.Close()

	if gw.translation == nil || gw.workflows == nil || gw.proxy == nil || gw.limiter == nil {
		t.Fatal("gateway wired with nil components")
	}
}

func TestGateway_InvalidProviderID(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = []config.ProviderConfig{{ID: "not-a-uuid", Name: "bad", BaseURL: "http://x"}}

	if _, err := New(cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("New() error = nil, want invalid provider id error")
	}
}

func TestGateway_UnknownStorageType(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "etcd"

	if _, err := New(cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("New() error = nil, want unknown storage type error")
	}
}

func TestGateway_BuiltinTranslators(t *testing.T) {
	gw, err := New(testConfig(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer gw.store.Close()

	resp, err := gw.TranslationEngine().TranslateSchema(context.Background(), &domain.TranslationRequest{
		SourceData:    json.RawMessage(`{"method":"tools/list","id":7}`),
		SourceVersion: "v1.0",
		TargetVersion: "v2.0",
	})
	if err != nil {
		t.Fatalf("TranslateSchema() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.TranslatedData, &out); err != nil {
		t.Fatalf("invalid translated payload: %v", err)
	}
	request, ok := out["request"].(map[string]any)
	if !ok || request["method"] != "tools/list" {
		t.Errorf("request.method = %v, want tools/list", out["request"])
	}
}

func TestGateway_RoutesServeThroughRouter(t *testing.T) {
	gw, err := New(testConfig(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer gw.store.Close()

	rec := httptest.NewRecorder()
	gw.server.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestLimitsFromConfig(t *testing.T) {
	defaults := ratelimit.DefaultLimits()

	got := limitsFromConfig(config.LimitsConfig{RequestsPerSecond: 42}, defaults)
	if got.RequestsPerSecond != 42 {
		t.Errorf("RequestsPerSecond = %d, want 42", got.RequestsPerSecond)
	}
	if got.RequestsPerMinute != defaults.RequestsPerMinute {
		t.Errorf("RequestsPerMinute = %d, want default %d", got.RequestsPerMinute, defaults.RequestsPerMinute)
	}
}
