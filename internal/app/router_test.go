package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/site-materials/internal/observability"
	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/stock"
	"github.com/odyssey-erp/site-materials/internal/stock/stocktest"
	"github.com/odyssey-erp/site-materials/jobs"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &Config{AppEnv: "production", RateLimitPerMinute: 1000}
	mw := rbac.Middleware{Logger: logger}
	ledger := stock.NewLedger(stocktest.NewStore(), nil, stock.Options{Logger: logger})
	return NewRouter(RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACMiddleware: mw,
		StockHandler:   stock.NewHandler(logger, ledger, nil, mw),
		JobHandler:     jobs.NewHandler(nil, nil, mw, logger),
		Metrics:        observability.NewMetrics(),
	})
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterPublicEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := serve(router, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(router, http.MethodGet, "/jobs/health")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "materials_http_requests_total"))
}

func TestRouterRequiresActorForDomainRoutes(t *testing.T) {
	router := newTestRouter(t)
	rec := serve(router, http.MethodGet, "/stock/stores/1/low-stock")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodGet, "/requests/1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/materials")
	t.Setenv("LOW_STOCK_DEFAULT", "2.5")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.False(t, cfg.IsProduction())
	require.True(t, cfg.PartialFill)
	require.Equal(t, 120, cfg.RateLimitPerMinute)

	thresholds, err := cfg.ThresholdConfig()
	require.NoError(t, err)
	require.Equal(t, "2.5", thresholds.DefaultLowStockThreshold.String())

	chain, err := cfg.ApprovalConfig()
	require.NoError(t, err)
	require.NoError(t, chain.Validate())
}

func TestLoadConfigRejectsNegativeLowStockDefault(t *testing.T) {
	t.Setenv("LOW_STOCK_DEFAULT", "-1")
	_, err := LoadConfig()
	require.Error(t, err)

	cfg := &Config{DirectorThreshold: "lots"}
	_, err = cfg.ApprovalConfig()
	require.Error(t, err)
}
