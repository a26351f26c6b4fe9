// Package output provides the JSONL event stream for pipeline runs.
//
// Output is structured as typed record envelopes containing run state
// transitions, unit results, preflight checks, errors and the final summary.
// Each line is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/lakeflow/pkg/report"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: lakeflow.<type>.v<version>
const (
	// TypeRunState identifies RunState transition records.
	TypeRunState = "lakeflow.run_state.v1"

	// TypeUnitResult identifies WorkUnitResult records.
	TypeUnitResult = "lakeflow.unit_result.v1"

	// TypePreflight identifies dependency and capability check records.
	TypePreflight = "lakeflow.preflight.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "lakeflow.summary.v1"

	// TypeError identifies error records.
	TypeError = "lakeflow.error.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "lakeflow.unit_result.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this pipeline run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// PreflightRecord is the data payload for preflight checks.
//
// Preflight records are emitted before any unit is dispatched. Missing lists
// every absent seed marker, not just the first.
type PreflightRecord struct {
	Mode    string                 `json:"mode"`
	Markers []string               `json:"markers,omitempty"`
	Missing []string               `json:"missing,omitempty"`
	Results []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is a single capability check result.
type PreflightCheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorRecord is the data payload for run-level errors.
//
// Unit-local failures travel in unit_result records; error records carry
// failures that halted a stage or the run.
type ErrorRecord struct {
	// Code is a machine-readable error code (a fault kind).
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Stage is the run stage active when the error occurred.
	Stage string `json:"stage,omitempty"`

	// Subject is the unit, stream, key or marker involved, if any.
	Subject string `json:"subject,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for store-level failures in ErrorRecord and preflight
// results. Pipeline failures use fault kinds instead.
const (
	// ErrCodeAccessDenied indicates permission failure.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeNotFound indicates the object or bucket was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeUnavailable indicates the store did not answer.
	ErrCodeUnavailable = "UNAVAILABLE"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for the final run summary.
type SummaryRecord struct {
	Stage     string           `json:"stage"`
	Accepted  bool             `json:"accepted"`
	Tolerance report.Tolerance `json:"tolerance"`
	Counts    report.Counts    `json:"counts"`

	// Phases breaks Counts down by pipeline phase.
	Phases map[report.Phase]report.Counts `json:"phases,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// NewSummaryRecord derives a summary from a finished report.
func NewSummaryRecord(r *report.Report) *SummaryRecord {
	phases := make(map[report.Phase][]report.WorkUnitResult)
	for _, res := range r.Results {
		phases[res.Phase] = append(phases[res.Phase], res)
	}
	byPhase := make(map[report.Phase]report.Counts, len(phases))
	for p, rs := range phases {
		byPhase[p] = report.Count(rs)
	}

	var d time.Duration
	if !r.State.FinishedAt.IsZero() {
		d = r.State.FinishedAt.Sub(r.State.StartedAt)
	}
	return &SummaryRecord{
		Stage:         string(r.State.Stage),
		Accepted:      r.Accepted,
		Tolerance:     r.Tolerance,
		Counts:        r.Counts,
		Phases:        byPhase,
		Duration:      d,
		DurationHuman: d.String(),
	}
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
