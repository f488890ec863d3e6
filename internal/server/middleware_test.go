package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/ratelimit"
)

func testLimiter(perClient ratelimit.Limits) *ratelimit.Limiter {
	global := ratelimit.Limits{
		RequestsPerSecond:  1000,
		RequestsPerMinute:  60000,
		RequestsPerHour:    3600000,
		ConcurrentRequests: 1000,
	}
	return ratelimit.New(global, perClient, slog.New(slog.DiscardHandler))
}

// =============================================================================
// AdmissionMiddleware Tests
// =============================================================================

func TestAdmissionMiddleware_AdmitsWithinQuota(t *testing.T) {
	limiter := testLimiter(ratelimit.DefaultLimits())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AdmissionMiddleware(limiter)(handler)

	req := httptest.NewRequest("POST", "/v1/translate", nil)
	req.Header.Set(ClientIDHeader, uuid.New().String())
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAdmissionMiddleware_RejectsOverQuota(t *testing.T) {
	limiter := testLimiter(ratelimit.Limits{
		RequestsPerSecond:  1,
		RequestsPerMinute:  600,
		RequestsPerHour:    36000,
		ConcurrentRequests: 10,
	})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AdmissionMiddleware(limiter)(handler)
	clientID := uuid.New().String()

	first := httptest.NewRequest("POST", "/v1/translate", nil)
	first.Header.Set(ClientIDHeader, clientID)
	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, first)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", rec1.Code, http.StatusOK)
	}

	second := httptest.NewRequest("POST", "/v1/translate", nil)
	second.Header.Set(ClientIDHeader, clientID)
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, second)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
	if !strings.Contains(rec2.Body.String(), "requests_per_second") {
		t.Errorf("expected violated limit in body, got %s", rec2.Body.String())
	}
}

func TestAdmissionMiddleware_HealthExempt(t *testing.T) {
	// A limiter that rejects everything.
	limiter := testLimiter(ratelimit.Limits{
		RequestsPerSecond:  0,
		RequestsPerMinute:  0,
		RequestsPerHour:    0,
		ConcurrentRequests: 0,
	})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AdmissionMiddleware(limiter)(handler)

	for _, path := range []string{"/health", "/health/proxy", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d (exempt from admission)", path, rec.Code, http.StatusOK)
		}
	}
}

func TestAdmissionMiddleware_ReleasesConcurrency(t *testing.T) {
	limiter := testLimiter(ratelimit.Limits{
		RequestsPerSecond:  100,
		RequestsPerMinute:  6000,
		RequestsPerHour:    360000,
		ConcurrentRequests: 1,
	})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AdmissionMiddleware(limiter)(handler)
	clientID := uuid.New().String()

	// Sequential requests must all pass: each one releases its
	// concurrency slot when the handler returns.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/translate", nil)
		req.Header.Set(ClientIDHeader, clientID)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}

func TestAdmissionMiddleware_ClientIDInContext(t *testing.T) {
	limiter := testLimiter(ratelimit.DefaultLimits())
	clientID := uuid.New()

	var got uuid.UUID
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClientID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AdmissionMiddleware(limiter)(handler)

	req := httptest.NewRequest("POST", "/v1/translate", nil)
	req.Header.Set(ClientIDHeader, clientID.String())
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if got != clientID {
		t.Errorf("GetClientID = %s, want %s", got, clientID)
	}
}

func TestAdmissionMiddleware_InvalidClientIDSharesAnonymousBucket(t *testing.T) {
	limiter := testLimiter(ratelimit.DefaultLimits())

	var got uuid.UUID
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClientID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AdmissionMiddleware(limiter)(handler)

	req := httptest.NewRequest("POST", "/v1/translate", nil)
	req.Header.Set(ClientIDHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if got != uuid.Nil {
		t.Errorf("GetClientID = %s, want uuid.Nil", got)
	}
}

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := RequestIDMiddleware(handler)

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, httptest.NewRequest("GET", "/", nil))
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, httptest.NewRequest("GET", "/", nil))

	if rec1.Header().Get("X-Request-ID") == rec2.Header().Get("X-Request-ID") {
		t.Error("Expected unique request IDs")
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok || deadline.IsZero() {
			t.Error("Expected context to have deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(30 * time.Second)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(100 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(10 * time.Millisecond)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test-path", nil))

	output := buf.String()
	if !strings.Contains(output, "request started") {
		t.Error("Expected 'request started' in log output")
	}
	if !strings.Contains(output, "request completed") {
		t.Error("Expected 'request completed' in log output")
	}
	if !strings.Contains(output, "/test-path") {
		t.Error("Expected path in log output")
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "custom_field", "custom_value")
		w.WriteHeader(http.StatusOK)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "custom_field") || !strings.Contains(output, "custom_value") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Should not panic when called with a context that doesn't have log fields
	AddLogField(context.Background(), "key", "value")
}

func TestAddError_Nil(t *testing.T) {
	AddError(context.Background(), nil)
}
