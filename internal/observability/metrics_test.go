package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
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
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `materials_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `materials_http_request_duration_seconds_bucket{route="/test"`)
}

func TestLedgerAndWorkflowCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.MovementApplied("OUT")
	metrics.MovementApplied("OUT")
	metrics.MovementApplied("IN")
	metrics.MovementRejected("INSUFFICIENT_STOCK")
	metrics.Transition("APPROVED", "PARTIALLY_ISSUED")

	body := scrape(t, metrics)
	require.Contains(t, body, `materials_stock_movements_total{type="OUT"} 2`)
	require.Contains(t, body, `materials_stock_movements_total{type="IN"} 1`)
	require.Contains(t, body, `materials_stock_rejections_total{reason="INSUFFICIENT_STOCK"} 1`)
	require.Contains(t, body, `materials_request_transitions_total{from="APPROVED",to="PARTIALLY_ISSUED"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.MovementApplied("IN")
	metrics.Transition("DRAFT", "SUBMITTED")

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.True(t, strings.HasPrefix(rr.Body.String(), "Service Unavailable"))
}
