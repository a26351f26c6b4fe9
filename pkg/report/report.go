// Package report holds the run audit trail: per-unit results, run stages,
// tolerance evaluation and the final run report.
package report

import (
	"fmt"
	"time"

	"github.com/3leaps/lakeflow/pkg/fault"
)

// Status is a WorkUnitResult lifecycle state.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	// StatusSkipped marks a unit that was never started: upstream failure,
	// halt or cancellation. It never counts as success.
	StatusSkipped Status = "Skipped"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Phase names which part of the pipeline produced a result.
type Phase string

const (
	PhaseCopy      Phase = "copy"
	PhaseIngest    Phase = "ingest"
	PhaseTransform Phase = "transform"
)

// WorkUnitResult is the outcome of one dispatched unit or task.
type WorkUnitResult struct {
	UnitID      string           `json:"unit_id"`
	Phase       Phase            `json:"phase"`
	Status      Status           `json:"status"`
	ErrorCode   string           `json:"error_code,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	Attempts    int              `json:"attempts,omitempty"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	FinishedAt  time.Time        `json:"finished_at,omitzero"`
	Metrics     map[string]int64 `json:"metrics,omitempty"`

	err error
}

// NewPending returns a result for a unit that has not run yet.
func NewPending(unitID string, phase Phase) WorkUnitResult {
	return WorkUnitResult{UnitID: unitID, Phase: phase, Status: StatusPending}
}

// Start moves the result to Running.
func (r *WorkUnitResult) Start(now time.Time) {
	r.Status = StatusRunning
	r.StartedAt = now
}

// Finish records the outcome of a started unit: Succeeded when err is nil,
// Failed otherwise.
func (r *WorkUnitResult) Finish(now time.Time, err error) {
	r.FinishedAt = now
	if err == nil {
		r.Status = StatusSucceeded
		return
	}
	r.Status = StatusFailed
	r.ErrorCode = fault.Code(err)
	r.ErrorDetail = err.Error()
	r.err = err
}

// Skip records a unit that never started.
func (r *WorkUnitResult) Skip(now time.Time, reason string) {
	r.Status = StatusSkipped
	r.FinishedAt = now
	r.ErrorDetail = reason
}

// CodeUpstream is the error code of a Skipped result whose upstream unit
// did not succeed.
const CodeUpstream = "UPSTREAM"

// Block skips a unit because something it depends on did not succeed.
func (r *WorkUnitResult) Block(now time.Time, reason string) {
	r.Skip(now, reason)
	r.ErrorCode = CodeUpstream
}

// Blocked reports whether the result was skipped by Block.
func (r WorkUnitResult) Blocked() bool {
	return r.Status == StatusSkipped && r.ErrorCode == CodeUpstream
}

// SetMetric records a named counter, e.g. records or bytes.
func (r *WorkUnitResult) SetMetric(name string, v int64) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]int64)
	}
	r.Metrics[name] = v
}

// Err returns the error a Failed result was finished with. It is not
// serialised; results read back from disk only carry ErrorCode and
// ErrorDetail.
func (r WorkUnitResult) Err() error { return r.err }

// Counts tallies results by status.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Blocked is the part of Skipped caused by an upstream failure.
	Blocked int `json:"blocked,omitempty"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// NotSucceeded counts terminal results that are not successes.
func (c Counts) NotSucceeded() int { return c.Failed + c.Skipped }

// Add folds another tally into c.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Total:     c.Total + o.Total,
		Succeeded: c.Succeeded + o.Succeeded,
		Failed:    c.Failed + o.Failed,
		Skipped:   c.Skipped + o.Skipped,
		Blocked:   c.Blocked + o.Blocked,
		Pending:   c.Pending + o.Pending,
		Running:   c.Running + o.Running,
	}
}

func Count(results []WorkUnitResult) Counts {
	c := Counts{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusSucceeded:
			c.Succeeded++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
			if r.Blocked() {
				c.Blocked++
			}
		case StatusRunning:
			c.Running++
		default:
			c.Pending++
		}
	}
	return c
}

func (c Counts) String() string {
	return fmt.Sprintf("total=%d succeeded=%d failed=%d skipped=%d", c.Total, c.Succeeded, c.Failed, c.Skipped)
}
