package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/cache"
	"github.com/AlfredDev/actcore/internal/config"
	"github.com/AlfredDev/actcore/internal/model"
	"github.com/AlfredDev/actcore/internal/observability"
	"github.com/AlfredDev/actcore/internal/queue"
	"github.com/AlfredDev/actcore/internal/template"
	"github.com/AlfredDev/actcore/internal/ticket"
	"github.com/AlfredDev/actcore/internal/vault"
	"github.com/AlfredDev/actcore/internal/warehouse"
	"github.com/AlfredDev/actcore/internal/warmer"
)

// testMetricsOnce/testMetrics share a single observability.Metrics across
// every test in this file: NewMetrics registers Prometheus collectors
// against the global default registry, and a second registration of the
// same collector names panics.
var (
	testMetricsOnce sync.Once
	testMetrics     *observability.Metrics
)

func sharedTestMetrics() *observability.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = observability.NewMetrics(zerolog.Nop())
	})
	return testMetrics
}

// newTestServer builds a Server wired with real, in-process dependencies
// (no network, no warehouse connection) suitable for exercising the four
// RPC handlers end to end.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zerolog.Nop()

	cfg := &config.Config{
		PerfLogEventMs:       1000,
		PerfGetContextP95Ms:  1000,
		PerfSubmitQueryMs:    1000,
		PerfDBQueryMs:        1000,
		QueryTagPrefix:       "actcore",
	}

	registry, err := template.New()
	if err != nil {
		t.Fatalf("template.New failed: %v", err)
	}

	whClient := warehouse.NewClient(logger, nil, registry, cfg.QueryTagPrefix, time.Second)

	l1 := cache.NewL1(100, time.Minute, 5*time.Second)
	loader := func(ctx context.Context, key string) (interface{}, bool, error) {
		if key == "known-customer" {
			return model.ContextRecord{Customer: key, ContextBlob: json.RawMessage(`{"k":"v"}`)}, true, nil
		}
		return nil, false, nil
	}
	tc := cache.New(l1, nil, time.Minute, loader)

	q, err := queue.New(logger, queue.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("queue.New failed: %v", err)
	}
	t.Cleanup(q.Close)

	tickets := ticket.New(logger, 10*time.Minute)

	v, err := vault.New(logger, filepath.Join(t.TempDir(), "vault.enc"), "test-passphrase")
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	v.Bootstrap([]string{"whuser"}, []string{"pw"}, []int{1}, []int{5}, []int{1000})

	return New(logger, cfg, Deps{
		Cache:         tc,
		Warehouse:     whClient,
		Templates:     registry,
		Queue:         q,
		Tickets:       tickets,
		Metrics:       sharedTestMetrics(),
		AccessTracker: warmer.NewAccessTracker(),
		Vault:         v,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsJSONEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/metrics.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLogEventHappyPath(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/log_event", map[string]interface{}{
		"activity": "task_completed",
		"customer": "cust-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Ack || resp.EventID == "" {
		t.Errorf("expected ack with event id, got %+v", resp)
	}
}

func TestLogEventRejectsMissingCustomer(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/log_event", map[string]interface{}{
		"activity": "task_completed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing customer, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogEventRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/log_event", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestGetContextHitReturnsValue(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/get_context", map[string]interface{}{
		"customer": "known-customer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["value"] == nil {
		t.Error("expected a non-null value for a known customer")
	}
}

func TestGetContextMissReturnsNullValue(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/get_context", map[string]interface{}{
		"customer": "ghost-customer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["value"] != nil {
		t.Errorf("expected null value for a cache miss, got %v", resp["value"])
	}
}

func TestGetContextRejectsEmptyCustomer(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/get_context", map[string]interface{}{
		"customer": "",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty customer, got %d", rec.Code)
	}
}

func TestSubmitQueryRejectsUnknownTemplate(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/submit_query", map[string]interface{}{
		"template": "DROP_EVERYTHING",
		"params":   []interface{}{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown template, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitQueryRejectsWrongParamCount(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/submit_query", map[string]interface{}{
		"template": "GET_CONTEXT",
		"params":   []interface{}{"a", "b"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong param count, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogInsightHappyPath(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/log_insight", map[string]interface{}{
		"subject":         "retention_risk",
		"metric":          "score",
		"value":           0.87,
		"provenance_hash": "0123456789abcdef",
		"customer":        "cust-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Ack || resp.AtomID == "" {
		t.Errorf("expected ack with atom id, got %+v", resp)
	}
}

func TestVaultUnlockClearsKnownIdentity(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/internal/vault/unlock", map[string]interface{}{
		"username": "whuser",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVaultUnlockRejectsUnknownIdentity(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/internal/vault/unlock", map[string]interface{}{
		"username": "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown identity, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVaultUnlockRejectsEmptyUsername(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/internal/vault/unlock", map[string]interface{}{
		"username": "",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty username, got %d", rec.Code)
	}
}

func TestLogInsightRejectsBadProvenanceHash(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/log_insight", map[string]interface{}{
		"subject":         "retention_risk",
		"metric":          "score",
		"value":           0.87,
		"provenance_hash": "too-short",
		"customer":        "cust-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad provenance hash, got %d", rec.Code)
	}
}
