// Package ratelimit implements admission control for the federation
// gateway: fixed-window request counters plus a concurrency gate, tracked
// globally and per client.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Limits configures the four admission windows.
type Limits struct {
	RequestsPerSecond  int `json:"requests_per_second"`
	RequestsPerMinute  int `json:"requests_per_minute"`
	RequestsPerHour    int `json:"requests_per_hour"`
	ConcurrentRequests int `json:"concurrent_requests"`
}

// DefaultLimits mirrors the default per-client quota.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerSecond:  10,
		RequestsPerMinute:  600,
		RequestsPerHour:    36000,
		ConcurrentRequests: 10,
	}
}

// Limit identifies which quota a rejected request violated.
type Limit string

const (
	LimitNone                     Limit = ""
	LimitRequestsPerSecond        Limit = "requests_per_second"
	LimitRequestsPerMinute        Limit = "requests_per_minute"
	LimitRequestsPerHour          Limit = "requests_per_hour"
	LimitConcurrentRequests       Limit = "concurrent_requests"
	LimitGlobalRequestsPerSecond  Limit = "global_requests_per_second"
	LimitGlobalRequestsPerMinute  Limit = "global_requests_per_minute"
	LimitGlobalRequestsPerHour    Limit = "global_requests_per_hour"
	LimitGlobalConcurrentRequests Limit = "global_concurrent_requests"
)

// Decision is the structured result of an admission check.
type Decision struct {
	Admitted     bool          `json:"admitted"`
	Violated     Limit         `json:"violated_limit,omitempty"`
	CurrentUsage int           `json:"current_usage,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}

// Status is a read-only snapshot of a client's admission state.
type Status struct {
	ClientID           uuid.UUID `json:"client_id"`
	RequestsPerSecond  int       `json:"requests_per_second"`
	RequestsPerMinute  int       `json:"requests_per_minute"`
	RequestsPerHour    int       `json:"requests_per_hour"`
	ConcurrentRequests int       `json:"concurrent_requests"`
	Limits             Limits    `json:"limits"`
	SecondReset        time.Time `json:"second_reset"`
	MinuteReset        time.Time `json:"minute_reset"`
	HourReset          time.Time `json:"hour_reset"`
}

// maxRecentTimestamps bounds the diagnostic ring per tracker.
const maxRecentTimestamps = 1000

type window struct {
	count     int
	lastReset time.Time
}

// roll resets the counter when the window has elapsed. Must be called
// with the owning tracker's lock held.
func (w *window) roll(now time.Time, d time.Duration) {
	if now.Sub(w.lastReset) >= d {
		w.count = 0
		w.lastReset = now
	}
}

type tracker struct {
	mu         sync.Mutex
	second     window
	minute     window
	hour       window
	concurrent int
	recent     []time.Time
	limits     Limits
}

func newTracker(now time.Time, limits Limits) *tracker {
	w := window{lastReset: now}
	return &tracker{second: w, minute: w, hour: w, limits: limits}
}

// roll advances all timed windows. Lock must be held.
func (t *tracker) roll(now time.Time) {
	t.second.roll(now, time.Second)
	t.minute.roll(now, time.Minute)
	t.hour.roll(now, time.Hour)
}

// violation returns the first exceeded limit in the fixed evaluation
// order, or LimitNone. Lock must be held and windows rolled.
func (t *tracker) violation() (Limit, int, int) {
	switch {
	case t.second.count >= t.limits.RequestsPerSecond:
		return LimitRequestsPerSecond, t.second.count, t.limits.RequestsPerSecond
	case t.minute.count >= t.limits.RequestsPerMinute:
		return LimitRequestsPerMinute, t.minute.count, t.limits.RequestsPerMinute
	case t.hour.count >= t.limits.RequestsPerHour:
		return LimitRequestsPerHour, t.hour.count, t.limits.RequestsPerHour
	case t.concurrent >= t.limits.ConcurrentRequests:
		return LimitConcurrentRequests, t.concurrent, t.limits.ConcurrentRequests
	}
	return LimitNone, 0, 0
}

// admit increments every counter. Lock must be held.
func (t *tracker) admit(now time.Time) {
	t.second.count++
	t.minute.count++
	t.hour.count++
	t.concurrent++

	t.recent = append(t.recent, now)
	hourAgo := now.Add(-time.Hour)
	for len(t.recent) > 0 && !t.recent[0].After(hourAgo) {
		t.recent = t.recent[1:]
	}
	if len(t.recent) > maxRecentTimestamps {
		t.recent = t.recent[len(t.recent)-maxRecentTimestamps:]
	}
}

// Limiter is the gateway's admission controller. One Limiter is shared by
// all request-scoped operations; its check-then-increment sequence is a
// single critical section per admission, entered global-first then client.
type Limiter struct {
	global   *tracker
	clients  sync.Map // uuid.UUID -> *tracker
	defaults Limits
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given global quota and per-client defaults.
func New(global, perClient Limits, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		defaults: perClient,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.global = newTracker(l.now(), global)
	return l
}

func (l *Limiter) clientTracker(clientID uuid.UUID) *tracker {
	if t, ok := l.clients.Load(clientID); ok {
		return t.(*tracker)
	}
	t, _ := l.clients.LoadOrStore(clientID, newTracker(l.now(), l.defaults))
	return t.(*tracker)
}

// SetClientLimits overrides the quota for a single client. Existing
// window counts are preserved.
func (l *Limiter) SetClientLimits(clientID uuid.UUID, limits Limits) {
	t := l.clientTracker(clientID)
	t.mu.Lock()
	t.limits = limits
	t.mu.Unlock()
}

// Check evaluates the global quota then the client quota, in fixed order
// within each: per-second, per-minute, per-hour, concurrent. The first
// violated limit rejects the request and nothing is incremented. On
// admission all eight counters are incremented under the same locks that
// performed the checks, so concurrent callers cannot both slip past a
// nearly-exhausted limit. Check never blocks on anything but these locks.
func (l *Limiter) Check(clientID uuid.UUID) Decision {
	now := l.now()
	client := l.clientTracker(clientID)

	// Lock order is fixed (global then client) so that admissions for
	// different clients cannot deadlock against each other.
	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	client.mu.Lock()
	defer client.mu.Unlock()

	l.global.roll(now)
	client.roll(now)

	if v, usage, limit := l.global.violation(); v != LimitNone {
		d := Decision{Admitted: false, Violated: globalLimit(v), CurrentUsage: usage, Limit: limit,
			RetryAfter: retryAfter(l.global, v, now)}
		l.logger.Debug("admission rejected",
			slog.String("client_id", clientID.String()),
			slog.String("violated_limit", string(d.Violated)))
		return d
	}
	if v, usage, limit := client.violation(); v != LimitNone {
		d := Decision{Admitted: false, Violated: v, CurrentUsage: usage, Limit: limit,
			RetryAfter: retryAfter(client, v, now)}
		l.logger.Debug("admission rejected",
			slog.String("client_id", clientID.String()),
			slog.String("violated_limit", string(d.Violated)))
		return d
	}

	l.global.admit(now)
	client.admit(now)
	return Decision{Admitted: true}
}

// RecordCompletion releases one unit of concurrency for the client and
// globally. Counters floor at zero.
func (l *Limiter) RecordCompletion(clientID uuid.UUID) {
	l.global.mu.Lock()
	if l.global.concurrent > 0 {
		l.global.concurrent--
	}
	l.global.mu.Unlock()

	if t, ok := l.clients.Load(clientID); ok {
		ct := t.(*tracker)
		ct.mu.Lock()
		if ct.concurrent > 0 {
			ct.concurrent--
		}
		ct.mu.Unlock()
	}
}

// ClientStatus returns a snapshot of the client's current counters,
// configured limits, and next reset times.
func (l *Limiter) ClientStatus(clientID uuid.UUID) Status {
	now := l.now()
	t := l.clientTracker(clientID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(now)
	return Status{
		ClientID:           clientID,
		RequestsPerSecond:  t.second.count,
		RequestsPerMinute:  t.minute.count,
		RequestsPerHour:    t.hour.count,
		ConcurrentRequests: t.concurrent,
		Limits:             t.limits,
		SecondReset:        t.second.lastReset.Add(time.Second),
		MinuteReset:        t.minute.lastReset.Add(time.Minute),
		HourReset:          t.hour.lastReset.Add(time.Hour),
	}
}

// GlobalStatus returns the gateway-wide snapshot.
func (l *Limiter) GlobalStatus() Status {
	now := l.now()
	t := l.global
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(now)
	return Status{
		RequestsPerSecond:  t.second.count,
		RequestsPerMinute:  t.minute.count,
		RequestsPerHour:    t.hour.count,
		ConcurrentRequests: t.concurrent,
		Limits:             t.limits,
		SecondReset:        t.second.lastReset.Add(time.Second),
		MinuteReset:        t.minute.lastReset.Add(time.Minute),
		HourReset:          t.hour.lastReset.Add(time.Hour),
	}
}

func globalLimit(v Limit) Limit {
	switch v {
	case LimitRequestsPerSecond:
		return LimitGlobalRequestsPerSecond
	case LimitRequestsPerMinute:
		return LimitGlobalRequestsPerMinute
	case LimitRequestsPerHour:
		return LimitGlobalRequestsPerHour
	case LimitConcurrentRequests:
		return LimitGlobalConcurrentRequests
	}
	return v
}

// retryAfter computes when the violated window resets. Lock must be held.
func retryAfter(t *tracker, v Limit, now time.Time) time.Duration {
	var until time.Time
	switch v {
	case LimitRequestsPerSecond:
		until = t.second.lastReset.Add(time.Second)
	case LimitRequestsPerMinute:
		until = t.minute.lastReset.Add(time.Minute)
	case LimitRequestsPerHour:
		until = t.hour.lastReset.Add(time.Hour)
	default:
		// Concurrency violations clear when an in-flight request completes.
		return time.Second
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
