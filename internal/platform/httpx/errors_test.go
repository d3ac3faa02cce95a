package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorStatuses(t *testing.T) {
	domain := errors.New("request 7 is APPROVED")
	cases := []struct {
		kind   error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrUnprocessable, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		err := Wrap(tc.kind, domain)
		require.ErrorIs(t, err, domain)
		require.ErrorIs(t, err, tc.kind)
		RespondError(rec, err)
		require.Equal(t, tc.status, rec.Code)
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		require.Equal(t, tc.status, problem.Status)
		require.Equal(t, domain.Error(), problem.Detail)
	}
}

func TestRespondErrorHidesUnmappedDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, errors.New("pq: connection refused to 10.0.0.3"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.3")
	require.Nil(t, Wrap(ErrConflict, nil))
}

func TestDecodeJSONBounds(t *testing.T) {
	var target map[string]any
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	err := DecodeJSON(httptest.NewRecorder(), req, &target)
	require.EqualError(t, err, "request body is empty")

	big := `{"note":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	require.Error(t, DecodeJSON(httptest.NewRecorder(), req, &target))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"store_id":3}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &target))
	require.EqualValues(t, 3, target["store_id"])
}
