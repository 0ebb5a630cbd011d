package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsEndpointExposesKernelSeries(t *testing.T) {
	m := NewMetrics()
	m.Decision("permit", "grant satisfied")
	m.Decision("deny", "rate limited")
	m.Operation("success", "docs.read", 25*time.Millisecond)
	m.CacheEvent("hit")
	m.LimiterFallback()
	m.Record("rows_written", 12, map[string]string{"table": "grants"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, want := range []string{
		"bastion_access_decisions_total",
		"bastion_rate_limited_total 1",
		"bastion_operations_total",
		"bastion_permission_cache_events_total",
		"bastion_rate_limiter_fallbacks_total 1",
		`bastion_operation_metric{name="rows_written,table=grants"} 12`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Decision("permit", "grant satisfied")
	m.Operation("success", "docs.read", time.Millisecond)
	m.CacheEvent("miss")
	m.LimiterFallback()
	m.Record("x", 1, nil)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rr.Code)
	}
}
