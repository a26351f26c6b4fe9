package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/fault"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "api not found", err: NewNotFound("no run"), wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "bad request", err: NewBadRequest("bad", errors.New("x")), wantStatus: http.StatusBadRequest, wantCode: CodeBadRequest},
		{name: "invalid config fault", err: fault.New(fault.KindInvalidConfig, "load", "m", errors.New("x")), wantStatus: http.StatusBadRequest, wantCode: "INVALID_CONFIG"},
		{name: "store fault", err: fault.StoreIO("get", "k", errors.New("x")), wantStatus: http.StatusServiceUnavailable, wantCode: "STORE_IO"},
		{name: "plain error", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, env.Code)
			assert.NotEmpty(t, env.Timestamp)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	req.Header.Set("X-Request-ID", "req-9")
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewServiceUnavailable("down", map[string]any{"checks": map[string]string{"store": "unhealthy"}}))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "req-9", body.Error.RequestID)
	assert.NotNil(t, body.Error.Details["checks"])
}

func TestClassify_FaultContext(t *testing.T) {
	t.Run("missing markers", func(t *testing.T) {
		_, env := Classify(fault.NewMissingMarkerError([]string{"seed/b.flag", "seed/a.flag"}))
		assert.Equal(t, "MISSING_MARKER", env.Code)
		assert.Equal(t, []string{"seed/a.flag", "seed/b.flag"}, env.Context["missing"])
		assert.Equal(t, gferrors.SeverityHigh, env.Severity)
	})

	t.Run("store io keeps op and subject", func(t *testing.T) {
		_, env := Classify(fault.StoreIO("read", "landing/orders/a.jsonl", errors.New("reset")))
		assert.Equal(t, "read", env.Context["op"])
		assert.Equal(t, "landing/orders/a.jsonl", env.Context["subject"])
	})

	t.Run("api details", func(t *testing.T) {
		_, env := Classify(NewNotFound("no run attached"))
		assert.Empty(t, env.Context)
		assert.Equal(t, gferrors.SeverityLow, env.Severity)
	})
}

func TestProject_MergesDetailsAndContext(t *testing.T) {
	env := gferrors.NewErrorEnvelope("STORE_IO", "down").
		WithDetails(map[string]any{"checks": map[string]string{"lake": "unhealthy"}}).
		WithCorrelationID("req-1")
	env, err := env.WithContext(map[string]any{"op": "list"})
	require.NoError(t, err)

	body := Project(env)
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "list", body.Details["op"])
	assert.Contains(t, body.Details, "checks")
}
