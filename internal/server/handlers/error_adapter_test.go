package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/lakeflow/internal/errors"
	"github.com/3leaps/lakeflow/pkg/fault"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPError {
	t.Helper()
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestRespondWithError_CustomResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/run", nil), assert.AnError)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Same(t, assert.AnError, got)
}

func TestSetHTTPErrorResponder_NilRestoresDefault(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/run", nil), apperrors.NewNotFound("no run attached"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeEnvelope(t, rec).Code)
}

func TestDefaultResponder_FaultKinds(t *testing.T) {
	ResetHTTPErrorResponder()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"store io", fault.StoreIO("copy", "landing/a.jsonl", errors.New("reset")), http.StatusServiceUnavailable, string(fault.KindStoreIO)},
		{"invalid config", fault.New(fault.KindInvalidConfig, "load", "manifest", errors.New("bad")), http.StatusBadRequest, string(fault.KindInvalidConfig)},
		{"missing marker", fault.NewMissingMarkerError([]string{"seed/ok.flag"}), http.StatusInternalServerError, string(fault.KindMissingMarker)},
		{"plain", errors.New("boom"), http.StatusInternalServerError, apperrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/run", nil)
			req.Header.Set("X-Request-ID", "req-42")
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, tt.wantCode, env.Code)
			assert.Equal(t, "req-42", env.RequestID)
		})
	}
}
