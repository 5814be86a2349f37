package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesAuthorizationMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("rbac", true, false)
	metrics.ObserveDecision("rbac", false, false)
	metrics.ObserveDecision("simple", false, true)
	metrics.ObserveCacheLookup(true)
	metrics.ObserveCacheLookup(false)
	metrics.ObserveInvalidation()
	metrics.ObserveResolve(3 * time.Millisecond)

	body := scrape(t, metrics)
	for _, want := range []string{
		`authz_decisions_total{engine="rbac",outcome="allow"} 1`,
		`authz_decisions_total{engine="rbac",outcome="deny"} 1`,
		`authz_decisions_total{engine="simple",outcome="error"} 1`,
		`authz_permission_cache_lookups_total{result="hit"} 1`,
		`authz_permission_cache_lookups_total{result="miss"} 1`,
		`authz_permission_cache_invalidations_total 1`,
		`authz_permission_resolve_duration_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %s, got: %s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("simple", true, false)
	metrics.ObserveCacheLookup(true)
	metrics.ObserveInvalidation()
	metrics.ObserveResolve(time.Millisecond)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "authz_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "authz_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
