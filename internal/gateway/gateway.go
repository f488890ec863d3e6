// Package gateway wires the federation components together and manages
// their lifecycle: storage, rate limiter, translation engine, proxy,
// workflow engine, and the HTTP server.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/config"
	"github.com/mcpfed/federation-gateway/internal/proxy"
	"github.com/mcpfed/federation-gateway/internal/ratelimit"
	"github.com/mcpfed/federation-gateway/internal/server"
	"github.com/mcpfed/federation-gateway/internal/storage"
	"github.com/mcpfed/federation-gateway/internal/storage/memory"
	"github.com/mcpfed/federation-gateway/internal/storage/sqlite"
	"github.com/mcpfed/federation-gateway/internal/translation"
	"github.com/mcpfed/federation-gateway/internal/workflow"
)

// Gateway is the long-lived federation runtime. It is constructed once
// at startup and shared by all request-scoped operations.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store       storage.Store
	limiter     *ratelimit.Limiter
	translation *translation.Engine
	proxy       *proxy.Proxy
	workflows   *workflow.Engine
	server      *server.Server

	serveErr chan error
}

// New wires the gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	store, err := newStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	limiter := ratelimit.New(
		limitsFromConfig(cfg.RateLimits.Global, globalDefaults()),
		limitsFromConfig(cfg.RateLimits.PerClient, ratelimit.DefaultLimits()),
		logger,
	)

	te, err := translation.NewEngine(cfg.Translation.CacheSize, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create translation engine: %w", err)
	}
	registerBuiltinTranslators(te)

	poolCfg := proxy.DefaultPoolConfig()
	if cfg.Proxy.DegradeThreshold > 0 {
		poolCfg.DegradeThreshold = cfg.Proxy.DegradeThreshold
	}
	if cfg.Proxy.BreakThreshold > 0 {
		poolCfg.BreakThreshold = cfg.Proxy.BreakThreshold
	}
	if cfg.Proxy.BrokenCooldown > 0 {
		poolCfg.BrokenCooldown = cfg.Proxy.BrokenCooldown
	}
	poolCfg.AllowAutoRegister = cfg.Proxy.AllowAutoRegister

	pool := proxy.NewPool(poolCfg, logger)
	for _, p := range cfg.Providers {
		serverID, err := uuid.Parse(p.ID)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("provider %q: invalid id %q: %w", p.Name, p.ID, err)
		}
		pool.Register(serverID, p.BaseURL)
	}

	retry := proxy.DefaultRetryConfig()
	if cfg.Proxy.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Proxy.MaxRetries
	}
	pt := proxy.NewProtocolTranslator()
	pt.Register("v1.0", "v2.0", proxy.Passthrough("v1.0->v2.0"))
	pt.Register("v2.0", "v1.0", proxy.Passthrough("v2.0->v1.0"))
	px := proxy.New(pool, pt, retry, cfg.Proxy.Timeout, logger)

	we := workflow.NewEngine(store, store, workflow.NewProxyRunner(px), logger)

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, limiter, logger)
	server.NewHandler(limiter, te, we, px, logger).Mount(srv.Router)

	return &Gateway{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		limiter:     limiter,
		translation: te,
		proxy:       px,
		workflows:   we,
		server:      srv,
		serveErr:    make(chan error, 1),
	}, nil
}

// TranslationEngine exposes the translation engine for registering
// deployment-specific schema translators.
func (g *Gateway) TranslationEngine() *translation.Engine { return g.translation }

// WorkflowEngine exposes the workflow engine.
func (g *Gateway) WorkflowEngine() *workflow.Engine { return g.workflows }

// Start begins serving HTTP. It returns immediately; serve errors are
// surfaced through Wait.
func (g *Gateway) Start(ctx context.Context) error {
	go func() {
		g.serveErr <- g.server.Start()
	}()
	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.Int("providers", len(g.cfg.Providers)),
		slog.String("storage", g.cfg.Storage.Type))
	return nil
}

// Wait blocks until the HTTP server stops serving.
func (g *Gateway) Wait() error {
	return <-g.serveErr
}

// Shutdown drains the HTTP server and closes storage.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}

func newStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
}

func limitsFromConfig(cfg config.LimitsConfig, defaults ratelimit.Limits) ratelimit.Limits {
	limits := defaults
	if cfg.RequestsPerSecond > 0 {
		limits.RequestsPerSecond = int(cfg.RequestsPerSecond)
	}
	if cfg.RequestsPerMinute > 0 {
		limits.RequestsPerMinute = int(cfg.RequestsPerMinute)
	}
	if cfg.RequestsPerHour > 0 {
		limits.RequestsPerHour = int(cfg.RequestsPerHour)
	}
	if cfg.MaxConcurrentRequests > 0 {
		limits.ConcurrentRequests = int(cfg.MaxConcurrentRequests)
	}
	return limits
}

// globalDefaults is the gateway-wide quota: an order of magnitude above
// the per-client defaults.
func globalDefaults() ratelimit.Limits {
	return ratelimit.Limits{
		RequestsPerSecond:  100,
		RequestsPerMinute:  6000,
		RequestsPerHour:    360000,
		ConcurrentRequests: 100,
	}
}

// registerBuiltinTranslators installs the stock protocol-version
// translators: the v1.0 <-> v2.0 field mappings and same-version
// passthroughs for the minor revisions.
func registerBuiltinTranslators(te *translation.Engine) {
	te.Register("v1.0", "v2.0", translation.NewFieldMappingTranslator("v1.0->v2.0", []translation.FieldMapping{
		{SourcePath: "method", TargetPath: "request.method", Required: true},
		{SourcePath: "params", TargetPath: "request.params"},
		{SourcePath: "id", TargetPath: "request.id"},
		{SourcePath: "timeout", TargetPath: "request.timeout_ms", Default: 30000},
	}))
	te.Register("v2.0", "v1.0", translation.NewFieldMappingTranslator("v2.0->v1.0", []translation.FieldMapping{
		{SourcePath: "request.method", TargetPath: "method", Required: true},
		{SourcePath: "request.params", TargetPath: "params"},
		{SourcePath: "request.id", TargetPath: "id"},
	}))
	te.Register("v2.0", "v2.1", translation.NewPassthroughTranslator("v2.0->v2.1"))
	te.Register("v2.1", "v2.0", translation.NewPassthroughTranslator("v2.1->v2.0"))
}
