// Package proxy forwards requests to backend MCP provider servers,
// maintaining one logical connection record per provider and applying
// inline protocol-version translation.
package proxy

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
)

// ConnectionStatus is the health state of a provider connection record.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusActive     ConnectionStatus = "active"
	StatusIdle       ConnectionStatus = "idle"
	StatusDegraded   ConnectionStatus = "degraded"
	StatusBroken     ConnectionStatus = "broken"
	StatusClosing    ConnectionStatus = "closing"
)

// ConnectionMetrics are cumulative per-connection request metrics.
type ConnectionMetrics struct {
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	FailedRequests     uint64    `json:"failed_requests"`
	AvgResponseTimeMs  float64   `json:"avg_response_time_ms"`
	LastRequest        time.Time `json:"last_request"`
}

// ServerConnection is the logical connection record for one provider.
// It is owned exclusively by the Pool; all mutation goes through its lock.
type ServerConnection struct {
	ServerID uuid.UUID
	BaseURL  string

	mu                  sync.Mutex
	status              ConnectionStatus
	lastActivity        time.Time
	metrics             ConnectionMetrics
	consecutiveFailures int
	brokenSince         time.Time
}

// Status returns the connection's current status.
func (c *ServerConnection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Metrics returns a copy of the connection's metrics.
func (c *ServerConnection) Metrics() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// recordResult folds one request outcome into the connection record and
// applies the demotion policy: Degraded after degradeThreshold
// consecutive failures, Broken after breakThreshold. Any success resets
// the failure streak and restores Active.
func (c *ServerConnection) recordResult(success bool, latency time.Duration, degradeThreshold, breakThreshold int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.TotalRequests++
	if success {
		c.metrics.SuccessfulRequests++
		c.consecutiveFailures = 0
		if c.status == StatusDegraded || c.status == StatusBroken || c.status == StatusConnecting {
			c.status = StatusActive
		}
	} else {
		c.metrics.FailedRequests++
		c.consecutiveFailures++
		switch {
		case breakThreshold > 0 && c.consecutiveFailures >= breakThreshold:
			if c.status != StatusBroken {
				c.status = StatusBroken
				c.brokenSince = now
			}
		case degradeThreshold > 0 && c.consecutiveFailures >= degradeThreshold:
			c.status = StatusDegraded
		}
	}

	total := float64(c.metrics.TotalRequests)
	c.metrics.AvgResponseTimeMs = (c.metrics.AvgResponseTimeMs*(total-1) + float64(latency.Milliseconds())) / total
	c.metrics.LastRequest = now
	c.lastActivity = now
}

// PoolConfig tunes connection management.
type PoolConfig struct {
	// AllowAutoRegister permits GetConnection to synthesize a record for
	// an unknown server ID instead of failing. Off by default: typos
	// should fail fast, not be routed to dummy endpoints.
	AllowAutoRegister bool

	// AutoRegisterBaseURL is the URL template used for auto-registered
	// connections; the server ID is appended.
	AutoRegisterBaseURL string

	// DegradeThreshold is the consecutive-failure count that demotes a
	// connection to Degraded. Zero disables demotion.
	DegradeThreshold int

	// BreakThreshold is the consecutive-failure count that marks a
	// connection Broken and opens the circuit. Zero disables.
	BreakThreshold int

	// BrokenCooldown is how long GetConnection refuses a Broken
	// connection before readmitting a probe.
	BrokenCooldown time.Duration
}

// DefaultPoolConfig returns the standard thresholds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DegradeThreshold: 3,
		BreakThreshold:   5,
		BrokenCooldown:   30 * time.Second,
	}
}

// Pool maintains the connection records. Lookups for different servers
// never contend: records live in a concurrent map and each record has
// its own lock.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	now    func() time.Time

	conns        sync.Map // uuid.UUID -> *ServerConnection
	totalCreated atomic.Uint64
}

// NewPool creates a connection pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	return &Pool{cfg: cfg, logger: logger, now: time.Now}
}

// Register pre-registers a provider connection in Active status. Calling
// it again for the same server ID returns the existing record.
func (p *Pool) Register(serverID uuid.UUID, baseURL string) *ServerConnection {
	conn := &ServerConnection{
		ServerID:     serverID,
		BaseURL:      baseURL,
		status:       StatusActive,
		lastActivity: p.now(),
	}
	actual, loaded := p.conns.LoadOrStore(serverID, conn)
	if !loaded {
		p.totalCreated.Add(1)
		p.logger.Info("provider registered",
			slog.String("server_id", serverID.String()),
			slog.String("base_url", baseURL))
	}
	return actual.(*ServerConnection)
}

// GetConnection returns the connection record for serverID, creating one
// lazily when auto-registration is enabled. Concurrent first-callers for
// the same unseen server converge on a single record. A Broken
// connection is refused until its cooldown elapses; the first caller
// afterwards gets the record back as a half-open probe.
func (p *Pool) GetConnection(serverID uuid.UUID) (*ServerConnection, error) {
	v, ok := p.conns.Load(serverID)
	if !ok {
		if !p.cfg.AllowAutoRegister {
			return nil, domain.ErrNotFound(fmt.Sprintf("provider not registered: %s", serverID))
		}
		base := p.cfg.AutoRegisterBaseURL
		if base == "" {
			base = "http://localhost:8080"
		}
		return p.Register(serverID, fmt.Sprintf("%s/%s", base, serverID)), nil
	}

	conn := v.(*ServerConnection)
	conn.mu.Lock()
	if conn.status == StatusBroken {
		elapsed := p.now().Sub(conn.brokenSince)
		if elapsed < p.cfg.BrokenCooldown {
			conn.mu.Unlock()
			return nil, domain.ErrExternalService(serverID.String(),
				fmt.Sprintf("connection broken, retry in %s", p.cfg.BrokenCooldown-elapsed)).WithRetryable()
		}
		// Half-open: let one request probe the provider.
		conn.status = StatusDegraded
		p.logger.Info("broken connection readmitted for probe",
			slog.String("server_id", serverID.String()))
	}
	conn.mu.Unlock()
	return conn, nil
}

// PoolStats is a read-only utilization summary.
type PoolStats struct {
	TotalConnections  uint64  `json:"total_connections"`
	ActiveConnections uint64  `json:"active_connections"`
	IdleConnections   uint64  `json:"idle_connections"`
	BrokenConnections uint64  `json:"broken_connections"`
	PoolUtilization   float64 `json:"pool_utilization"`
}

// Stats walks the pool and aggregates connection states.
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{TotalConnections: p.totalCreated.Load()}
	var total uint64
	p.conns.Range(func(_, v any) bool {
		total++
		switch v.(*ServerConnection).Status() {
		case StatusActive, StatusDegraded:
			stats.ActiveConnections++
		case StatusIdle, StatusConnecting:
			stats.IdleConnections++
		case StatusBroken:
			stats.BrokenConnections++
		}
		return true
	})
	if total > 0 {
		stats.PoolUtilization = float64(stats.ActiveConnections) / float64(total)
	}
	return stats
}
