package report

import (
	"fmt"
	"time"
)

// Stage is a RunState stage.
type Stage string

const (
	StageValidating   Stage = "Validating"
	StageCopying      Stage = "Copying"
	StageIngesting    Stage = "Ingesting"
	StageTransforming Stage = "Transforming"
	StageDone         Stage = "Done"
	StageFailed       Stage = "Failed"
)

var stageOrder = map[Stage]int{
	StageValidating:   0,
	StageCopying:      1,
	StageIngesting:    2,
	StageTransforming: 3,
	StageDone:         4,
}

// Terminal reports whether the run is over.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// CanTransition allows only forward moves, plus Failed from any non-terminal
// stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	f, ok1 := stageOrder[from]
	t, ok2 := stageOrder[to]
	return ok1 && ok2 && t > f
}

// RunState is the controller's externally visible state.
type RunState struct {
	RunID      string    `json:"run_id"`
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	// FailedIn is the stage that was active when the run failed.
	FailedIn  Stage  `json:"failed_in,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report is the final account of a run. Results holds one entry per
// configured unit and task, in configuration order.
type Report struct {
	State     RunState         `json:"state"`
	Tolerance Tolerance        `json:"tolerance"`
	Counts    Counts           `json:"counts"`
	Accepted  bool             `json:"accepted"`
	Results   []WorkUnitResult `json:"results"`
}

// Summary is a one-line description for logs and the CLI.
func (r *Report) Summary() string {
	return fmt.Sprintf("run %s %s: %s tolerance=%s", r.State.RunID, r.State.Stage, r.Counts, r.Tolerance)
}

// PhaseCounts tallies the results of one phase.
func (r *Report) PhaseCounts(p Phase) Counts {
	var sel []WorkUnitResult
	for _, res := range r.Results {
		if res.Phase == p {
			sel = append(sel, res)
		}
	}
	return Count(sel)
}
