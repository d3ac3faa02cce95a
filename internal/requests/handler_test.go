package requests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/stock"
)

func newTestRouter(f *fixture, directory rbac.DirectoryPort) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Directory: directory, Logger: logger}
	router := chi.NewRouter()
	router.Use(mw.RequireActor)
	router.Route("/requests", NewHandler(logger, f.service, mw).MountRoutes)
	return router
}

func call(t *testing.T, h http.Handler, method, path string, actor int64, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != 0 {
		req.Header.Set(rbac.ActorHeader, strconv.FormatInt(actor, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerWorkflowRoundTrip(t *testing.T) {
	f := newFixture(t, Config{PartialFill: true}, Options{Idempotency: &memoryIdempotency{}})
	directory := f.service.directory.(rbac.DirectoryPort)
	router := newTestRouter(f, directory)

	rec := call(t, router, http.MethodPost, "/requests/", requester, map[string]any{
		"site_id": 11,
		"items": []map[string]any{
			{"material_id": materialA, "unit_id": unitPiece, "qty_requested": "100"},
			{"material_id": materialB, "unit_id": unitPiece, "qty_requested": "5"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created detailView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "DRAFT", created.Request.Status)
	require.Len(t, created.Items, 2)
	base := fmt.Sprintf("/requests/%d", created.Request.ID)

	rec = call(t, router, http.MethodPost, base+"/submit", requester, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted requestView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.Equal(t, "LEVEL_1_REVIEW", submitted.Status)
	require.Equal(t, "250", submitted.TotalValue.String())

	rec = call(t, router, http.MethodPost, base+"/approvals", siteRev, map[string]any{"level": 1, "action": "APPROVED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = call(t, router, http.MethodPost, base+"/approvals", diocesanRev, map[string]any{"level": 2, "action": "APPROVED", "comment": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodPost, base+"/issue", siteRev, map[string]any{"store_id": storeMain})
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.receive(t, materialA, "100")
	f.receive(t, materialB, "5")
	rec = call(t, router, http.MethodPost, base+"/issue", storekeeper, map[string]any{"store_id": storeMain}, IdempotencyHeader, "once")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var issued issueView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.Equal(t, "ISSUED", issued.Request.Status)
	require.Len(t, issued.Lines, 2)

	rec = call(t, router, http.MethodPost, base+"/issue", storekeeper, map[string]any{"store_id": storeMain}, IdempotencyHeader, "once")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, router, http.MethodGet, base+"/approvals", requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var approvals []approvalView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approvals))
	require.Len(t, approvals, 4)
}

func TestHandlerMapsErrors(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	router := newTestRouter(f, f.service.directory.(rbac.DirectoryPort))
	id := f.draft(t, ItemInput{MaterialID: materialA, UnitID: unitPiece, QtyRequested: qty("1")}).Request.ID
	base := fmt.Sprintf("/requests/%d", id)

	cases := []struct {
		name   string
		method string
		path   string
		actor  int64
		body   any
		status int
	}{
		{"missing actor", http.MethodGet, base, 0, nil, http.StatusUnauthorized},
		{"inactive actor", http.MethodGet, base, retired, nil, http.StatusForbidden},
		{"unknown request", http.MethodGet, "/requests/9999", requester, nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/requests/abc", requester, nil, http.StatusBadRequest},
		{"empty items", http.MethodPost, "/requests/", requester, map[string]any{"site_id": 1, "items": []any{}}, http.StatusBadRequest},
		{"bad action", http.MethodPost, base + "/approvals", siteRev, map[string]any{"level": 1, "action": "MAYBE"}, http.StatusBadRequest},
		{"review before submit", http.MethodPost, base + "/approvals", siteRev, map[string]any{"level": 1, "action": "APPROVED"}, http.StatusConflict},
		{"issue draft", http.MethodPost, base + "/issue", storekeeper, map[string]any{"store_id": storeMain}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(t, router, tc.method, tc.path, tc.actor, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	rec := call(t, router, http.MethodPost, base+"/submit", requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, router, http.MethodPost, base+"/approvals", diocesanRev, map[string]any{"level": 1, "action": "APPROVED"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(t, router, http.MethodDelete, base, requester, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProblemErrorHidesLedgerFailures(t *testing.T) {
	rec := httptest.NewRecorder()
	f := newFixture(t, Config{}, Options{})
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.service, rbac.Middleware{})
	h.fail(rec, "issue", &stock.LedgerConsistencyError{RecordID: 1, Detail: "on hand 9, last movement after 5"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "on hand")
}
