package handlers

import (
	"net/http"
	"strings"
	"sync/atomic"

	apperrors "github.com/3leaps/lakeflow/internal/errors"
	"github.com/3leaps/lakeflow/pkg/report"
)

// RunSource exposes a live run. *pipeline.Controller implements it.
type RunSource interface {
	State() report.RunState
	Results() []report.WorkUnitResult
}

// RunStatus is the GET /run body.
type RunStatus struct {
	State  report.RunState `json:"state"`
	Counts report.Counts   `json:"counts"`
}

// RunHandler serves the run currently attached, if any.
type RunHandler struct {
	src atomic.Pointer[RunSource]
}

func NewRunHandler() *RunHandler { return &RunHandler{} }

// Attach makes src the run served from now on.
func (h *RunHandler) Attach(src RunSource) {
	h.src.Store(&src)
}

func (h *RunHandler) source(w http.ResponseWriter, r *http.Request) RunSource {
	p := h.src.Load()
	if p == nil || *p == nil {
		respondWithError(w, r, apperrors.NewNotFound("no run attached"))
		return nil
	}
	return *p
}

// State serves GET /run.
func (h *RunHandler) State(w http.ResponseWriter, r *http.Request) {
	src := h.source(w, r)
	if src == nil {
		return
	}
	writeJSON(w, http.StatusOK, RunStatus{State: src.State(), Counts: report.Count(src.Results())})
}

// Results serves GET /run/results, optionally filtered by ?phase= and
// ?status=.
func (h *RunHandler) Results(w http.ResponseWriter, r *http.Request) {
	src := h.source(w, r)
	if src == nil {
		return
	}
	phase := strings.TrimSpace(r.URL.Query().Get("phase"))
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	out := []report.WorkUnitResult{}
	for _, res := range src.Results() {
		if phase != "" && !strings.EqualFold(string(res.Phase), phase) {
			continue
		}
		if status != "" && !strings.EqualFold(string(res.Status), status) {
			continue
		}
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, out)
}
