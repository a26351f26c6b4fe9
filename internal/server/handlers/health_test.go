package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okCheck(context.Context) error { return nil }

func withGlobalManager(t *testing.T, m *HealthManager) {
	t.Helper()
	orig := globalHealthManager
	globalHealthManager = m
	t.Cleanup(func() { globalHealthManager = orig })
}

func TestHealthHandler_Healthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("run", HealthCheckerFunc(okCheck))
	m.RegisterChecker("identity", HealthCheckerFunc(okCheck))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, statusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"run": statusHealthy, "identity": statusHealthy}, resp.Checks)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHealthHandler_FailedRunIsUnavailable(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("run", HealthCheckerFunc(func(context.Context) error {
		return errors.New("run failed: MISSING_MARKER")
	}))
	m.RegisterChecker("signals", HealthCheckerFunc(okCheck))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry the per-check results")
	assert.Equal(t, statusUnhealthy, checks["run"])
	assert.Equal(t, statusHealthy, checks["signals"])
}

func TestRunChecks_CanceledParentIsUnhealthy(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("lake_store", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checks := m.runChecks(ctx)
	// A canceled parent is not a deadline: the check reports unhealthy.
	assert.Equal(t, statusUnhealthy, checks["lake_store"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"no checks", nil, statusHealthy},
		{"all healthy", map[string]string{"a": statusHealthy, "b": statusHealthy}, statusHealthy},
		{"timeout degrades", map[string]string{"a": statusHealthy, "b": statusTimeout}, statusDegraded},
		{"unhealthy wins", map[string]string{"a": statusTimeout, "b": statusUnhealthy}, statusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestInitAndGetHealthManager(t *testing.T) {
	withGlobalManager(t, nil)
	assert.Nil(t, GetHealthManager())

	InitHealthManager("0.4.0")
	m := GetHealthManager()
	require.NotNil(t, m)
	assert.Equal(t, "0.4.0", m.version)
}

func TestGlobalHandlers(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	t.Run("initialized", func(t *testing.T) {
		withGlobalManager(t, NewHealthManager("dev"))
		for path, h := range handlers {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})

	t.Run("not initialized", func(t *testing.T) {
		withGlobalManager(t, nil)
		for path, h := range handlers {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		}
	})
}

func TestLivenessIgnoresFailingChecks(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("run", HealthCheckerFunc(func(context.Context) error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	m.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
