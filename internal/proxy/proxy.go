package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
)

// Request describes one forwarded call to a provider.
type Request struct {
	ServerID uuid.UUID         `json:"server_id"`
	Path     string            `json:"path"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`

	// SourceVersion/TargetVersion select an inline protocol translation
	// for the body. Empty or equal versions skip translation.
	SourceVersion string `json:"source_version,omitempty"`
	TargetVersion string `json:"target_version,omitempty"`

	// Timeout overrides the proxy's configured per-call timeout.
	Timeout time.Duration `json:"-"`
}

// Response is the provider's reply.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// RetryConfig bounds the forwarding retry loop.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig matches the standard proxy retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Stats are aggregate proxy counters.
type Stats struct {
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	FailedRequests     uint64    `json:"failed_requests"`
	AvgResponseTimeMs  float64   `json:"avg_response_time_ms"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Health is the proxy's read-only health summary.
type Health struct {
	Status      string    `json:"status"`
	Proxy       Stats     `json:"proxy"`
	SuccessRate float64   `json:"success_rate"`
	Pool        PoolStats `json:"connection_pool"`
}

// Proxy forwards requests to providers over HTTP, applying protocol
// translation and recording connection health on the way through.
type Proxy struct {
	pool       *Pool
	translator *ProtocolTranslator
	client     *http.Client
	retry      RetryConfig
	timeout    time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a proxy over the given pool and translator registry.
// Per-call deadlines come from the request context, not the client.
func New(pool *Pool, translator *ProtocolTranslator, retry RetryConfig, timeout time.Duration, logger *slog.Logger) *Proxy {
	return &Proxy{
		pool:       pool,
		translator: translator,
		client:     &http.Client{},
		retry:      retry,
		timeout:    timeout,
		logger:     logger,
	}
}

// Pool exposes the proxy's connection pool.
func (p *Proxy) Pool() *Pool { return p.pool }

// ProxyRequest resolves the provider connection, translates the body if
// the request names a version pair, forwards the call with bounded
// retries, and records the outcome on the connection and the aggregate
// stats. Transport failures come back as external-service errors tagged
// with the provider; they mark the connection's metrics but the response
// path never panics.
func (p *Proxy) ProxyRequest(ctx context.Context, req Request) (*Response, error) {
	conn, err := p.pool.GetConnection(req.ServerID)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if len(body) > 0 && req.SourceVersion != "" && req.TargetVersion != "" && req.SourceVersion != req.TargetVersion {
		body, err = p.translator.Translate(body, req.SourceVersion, req.TargetVersion)
		if err != nil {
			return nil, err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	start := time.Now()
	resp, err := p.forwardWithRetry(ctx, conn, req, body, timeout)
	duration := time.Since(start)

	success := err == nil
	conn.recordResult(success, duration, p.pool.cfg.DegradeThreshold, p.pool.cfg.BreakThreshold, time.Now())
	p.updateStats(success, duration)

	if err != nil {
		p.logger.Warn("proxy request failed",
			slog.String("server_id", req.ServerID.String()),
			slog.String("path", req.Path),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.logger.Debug("proxy request completed",
		slog.String("server_id", req.ServerID.String()),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration))
	return resp, nil
}

func (p *Proxy) forwardWithRetry(ctx context.Context, conn *ServerConnection, req Request, body []byte, timeout time.Duration) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retry.BaseDelay
	bo.MaxInterval = p.retry.MaxDelay
	bo.Multiplier = p.retry.BackoffMultiplier

	maxTries := p.retry.MaxAttempts
	if maxTries <= 0 {
		maxTries = 1
	}

	return backoff.Retry(ctx, func() (*Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := p.forward(callCtx, conn, req, body)
		if err != nil {
			if fe := domain.AsError(err); !fe.Retryable {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxTries)))
}

func (p *Proxy) forward(ctx context.Context, conn *ServerConnection, req Request, body []byte) (*Response, error) {
	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, domain.ErrValidation("method", fmt.Sprintf("unsupported HTTP method: %s", req.Method))
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, conn.BaseURL+req.Path, reader)
	if err != nil {
		return nil, domain.ErrInternal("build upstream request").WithCause(err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		// Timeouts and transport failures are retryable provider errors.
		return nil, domain.ErrExternalService(conn.ServerID.String(), err.Error()).WithRetryable().WithCause(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, domain.ErrExternalService(conn.ServerID.String(), err.Error()).WithRetryable().WithCause(err)
	}
	if len(respBody) == 0 {
		respBody = []byte("{}")
	} else if !json.Valid(respBody) {
		// Non-JSON payloads are carried as a JSON string so the body
		// stays a valid RawMessage without losing content.
		respBody, _ = json.Marshal(string(respBody))
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}

func (p *Proxy) updateStats(success bool, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalRequests++
	if success {
		p.stats.SuccessfulRequests++
	} else {
		p.stats.FailedRequests++
	}
	total := float64(p.stats.TotalRequests)
	p.stats.AvgResponseTimeMs = (p.stats.AvgResponseTimeMs*(total-1) + float64(duration.Milliseconds())) / total
	p.stats.LastUpdated = time.Now()
}

// Stats returns a copy of the aggregate counters.
func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Health summarizes proxy and pool state for the observability surface.
func (p *Proxy) Health() Health {
	stats := p.Stats()
	h := Health{
		Status: "healthy",
		Proxy:  stats,
		Pool:   p.pool.Stats(),
	}
	if stats.TotalRequests > 0 {
		h.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests) * 100
	}
	return h
}
