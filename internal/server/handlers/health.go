package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/lakeflow/internal/errors"
)

// Check results.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusTimeout   = "timeout"
)

const checkTimeout = 2 * time.Second

// HealthChecker is one named dependency check.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]HealthChecker)}
}

func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[names[i]] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[names[i]] = statusTimeout
		default:
			results[names[i]] = statusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, s := range checks {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout, statusDegraded:
			overall = statusDegraded
		}
	}
	return overall
}

// HealthHandler reports every check; an unhealthy check answers 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == statusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailable("service unhealthy", map[string]any{"checks": checks}))
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Version: m.version, Checks: checks, Timestamp: time.Now().UTC()})
}

// LivenessHandler answers as long as the process serves requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: statusHealthy, Version: m.version, Timestamp: time.Now().UTC()})
}

// ReadinessHandler is HealthHandler under another route.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.LivenessHandler(w, r)
}

var globalHealthManager *HealthManager

func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := globalHealthManager
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("health manager not initialized", nil))
			return
		}
		fn(m, w, r)
	}
}

var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
