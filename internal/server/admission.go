package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/ratelimit"
)

// ClientIDHeader carries the caller's identity for per-client admission.
const ClientIDHeader = "X-Client-ID"

// clientIDContextKey is the context key for the resolved client ID.
type clientIDContextKey struct{}

// GetClientID retrieves the client ID resolved by AdmissionMiddleware.
// Returns uuid.Nil if the middleware isn't present.
func GetClientID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(clientIDContextKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// AdmissionMiddleware gates every request through the rate limiter.
// Health and metrics endpoints are exempt so the gateway stays observable
// while saturated. Anonymous callers share the uuid.Nil bucket. Rejected
// requests get a 429 with the structured decision and a Retry-After
// header; admitted requests release their concurrency slot when the
// handler returns.
func AdmissionMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			clientID := uuid.Nil
			if raw := r.Header.Get(ClientIDHeader); raw != "" {
				if parsed, err := uuid.Parse(raw); err == nil {
					clientID = parsed
				}
			}

			decision := limiter.Check(clientID)
			if !decision.Admitted {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":          "rate limit exceeded",
					"violated_limit": decision.Violated,
					"current_usage":  decision.CurrentUsage,
					"limit":          decision.Limit,
				})
				AddLogField(r.Context(), "violated_limit", string(decision.Violated))
				return
			}
			defer limiter.RecordCompletion(clientID)

			ctx := context.WithValue(r.Context(), clientIDContextKey{}, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
