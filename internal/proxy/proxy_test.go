package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mcpfed/federation-gateway/internal/domain"
)

func newTestProxy(t *testing.T, upstream *httptest.Server) (*Proxy, uuid.UUID) {
	t.Helper()
	pool := NewPool(DefaultPoolConfig(), testLogger())
	serverID := uuid.New()
	pool.Register(serverID, upstream.URL)

	translator := NewProtocolTranslator()
	translator.Register("v1.0", "v2.0", Passthrough("v1-to-v2"))

	retry := RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	return New(pool, translator, retry, 5*time.Second, testLogger()), serverID
}

func TestProxyRequest_ForwardsAndRecords(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/list" {
			t.Errorf("path = %q, want /tools/list", r.URL.Path)
		}
		if got := r.Header.Get("X-Client"); got != "fed" {
			t.Errorf("X-Client = %q, want fed", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools":[]}`))
	}))
	defer upstream.Close()

	p, serverID := newTestProxy(t, upstream)

	resp, err := p.ProxyRequest(context.Background(), Request{
		ServerID: serverID,
		Path:     "/tools/list",
		Method:   "POST",
		Headers:  map[string]string{"X-Client": "fed"},
		Body:     json.RawMessage(`{"cursor":null}`),
	})
	if err != nil {
		t.Fatalf("ProxyRequest() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if !gjson.GetBytes(resp.Body, "tools").Exists() {
		t.Errorf("body = %s, want tools field", resp.Body)
	}

	stats := p.Stats()
	if stats.TotalRequests != 1 || stats.SuccessfulRequests != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 successful", stats)
	}
}

func TestProxyRequest_AppliesTranslation(t *testing.T) {
	var gotBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [256]byte
		n, _ := r.Body.Read(buf[:])
		gotBody.Store(string(buf[:n]))
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool := NewPool(DefaultPoolConfig(), testLogger())
	serverID := uuid.New()
	pool.Register(serverID, upstream.URL)

	translator := NewProtocolTranslator()
	translator.Register("v1.0", "v2.0", TranslatorFunc{
		TranslatorName: "rename-method",
		Fn: func(payload []byte) ([]byte, error) {
			return []byte(`{"renamed":true}`), nil
		},
	})

	p := New(pool, translator, DefaultRetryConfig(), 5*time.Second, testLogger())

	_, err := p.ProxyRequest(context.Background(), Request{
		ServerID:      serverID,
		Path:          "/call",
		Method:        "POST",
		Body:          json.RawMessage(`{"renamed":false}`),
		SourceVersion: "v1.0",
		TargetVersion: "v2.0",
	})
	if err != nil {
		t.Fatalf("ProxyRequest() error = %v", err)
	}
	if got := gotBody.Load(); got != `{"renamed":true}` {
		t.Errorf("upstream body = %v, want translated payload", got)
	}
}

func TestProxyRequest_UnknownVersionPair(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called when translation fails")
	}))
	defer upstream.Close()

	p, serverID := newTestProxy(t, upstream)

	_, err := p.ProxyRequest(context.Background(), Request{
		ServerID:      serverID,
		Path:          "/call",
		Method:        "POST",
		Body:          json.RawMessage(`{}`),
		SourceVersion: "v9.9",
		TargetVersion: "v0.1",
	})
	if !domain.IsKind(err, domain.KindSchemaTranslation) {
		t.Fatalf("error kind = %v, want %v", domain.KindOf(err), domain.KindSchemaTranslation)
	}
	fe := domain.AsError(err)
	if fe.Details["source_version"] != "v9.9" || fe.Details["target_version"] != "v0.1" {
		t.Fatalf("error must name both versions: %v", err)
	}
}

func TestProxyRequest_TransportFailureTagged(t *testing.T) {
	pool := NewPool(DefaultPoolConfig(), testLogger())
	serverID := uuid.New()
	// Nothing listens here.
	pool.Register(serverID, "http://127.0.0.1:1")

	p := New(pool, NewProtocolTranslator(),
		RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1},
		time.Second, testLogger())

	_, err := p.ProxyRequest(context.Background(), Request{
		ServerID: serverID,
		Path:     "/call",
		Method:   "GET",
	})
	if err == nil {
		t.Fatal("expected transport error")
	}
	fe := domain.AsError(err)
	if fe.Kind != domain.KindExternalService {
		t.Errorf("kind = %v, want %v", fe.Kind, domain.KindExternalService)
	}
	if fe.Service != serverID.String() {
		t.Errorf("Service = %q, want provider id %q", fe.Service, serverID)
	}

	conn, _ := pool.GetConnection(serverID)
	if m := conn.Metrics(); m.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", m.FailedRequests)
	}
}

func TestProxyRequest_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Hijack and drop to force a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	pool := NewPool(DefaultPoolConfig(), testLogger())
	serverID := uuid.New()
	pool.Register(serverID, upstream.URL)

	p := New(pool, NewProtocolTranslator(),
		RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2},
		time.Second, testLogger())

	resp, err := p.ProxyRequest(context.Background(), Request{ServerID: serverID, Path: "/call", Method: "GET"})
	if err != nil {
		t.Fatalf("ProxyRequest() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("upstream calls = %d, want 3", calls.Load())
	}
}

func TestProxyRequest_PreservesNonJSONBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("upstream says hello"))
	}))
	defer upstream.Close()

	p, serverID := newTestProxy(t, upstream)

	resp, err := p.ProxyRequest(context.Background(), Request{ServerID: serverID, Path: "/text", Method: "GET"})
	if err != nil {
		t.Fatalf("ProxyRequest() error = %v", err)
	}
	if !json.Valid(resp.Body) {
		t.Fatalf("Body = %q, want valid JSON", resp.Body)
	}
	var got string
	if err := json.Unmarshal(resp.Body, &got); err != nil {
		t.Fatalf("Body = %q, want a JSON string: %v", resp.Body, err)
	}
	if got != "upstream says hello" {
		t.Errorf("body = %q, want upstream text preserved", got)
	}
}

func TestProxyRequest_UnsupportedMethod(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	p, serverID := newTestProxy(t, upstream)

	_, err := p.ProxyRequest(context.Background(), Request{ServerID: serverID, Path: "/x", Method: "PATCH"})
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("error kind = %v, want %v", domain.KindOf(err), domain.KindValidation)
	}
}

func TestHealth_SuccessRate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	p, serverID := newTestProxy(t, upstream)

	for i := 0; i < 4; i++ {
		if _, err := p.ProxyRequest(context.Background(), Request{ServerID: serverID, Path: "/ok", Method: "GET"}); err != nil {
			t.Fatalf("ProxyRequest() error = %v", err)
		}
	}

	h := p.Health()
	if h.SuccessRate != 100 {
		t.Errorf("SuccessRate = %f, want 100", h.SuccessRate)
	}
	if h.Proxy.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", h.Proxy.TotalRequests)
	}
}
