package runregistry

import (
	"time"

	"github.com/3leaps/lakeflow/pkg/report"
)

// State is the lifecycle state of a registered run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// StateFor maps a pipeline stage onto the registry lifecycle.
func StateFor(s report.Stage) State {
	switch s {
	case report.StageDone:
		return StateDone
	case report.StageFailed:
		return StateFailed
	case "":
		return StateQueued
	default:
		return StateRunning
	}
}

// Store identity is captured for operator clarity only.
type StoreIdentity struct {
	Provider string `json:"provider,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Record is the persistent record written to run.json. Fields are only ever
// added.
type Record struct {
	RunID        string         `json:"run_id"`
	State        State          `json:"state"`
	Stage        report.Stage   `json:"stage,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	ManifestPath string         `json:"manifest_path"`
	PID          int            `json:"pid,omitempty"`
	Counts       *report.Counts `json:"counts,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	SourceStore   *StoreIdentity `json:"source_store,omitempty"`
	LakeStore     *StoreIdentity `json:"lake_store,omitempty"`
	StdoutPath    string         `json:"stdout_path,omitempty"`
	StderrPath    string         `json:"stderr_path,omitempty"`
}

// Observe folds a RunState into the record.
func (r *Record) Observe(st report.RunState, now time.Time) {
	r.Stage = st.Stage
	r.State = StateFor(st.Stage)
	r.ErrorCode = st.ErrorCode
	r.Error = st.Error
	if !st.StartedAt.IsZero() && r.StartedAt == nil {
		started := st.StartedAt.UTC()
		r.StartedAt = &started
	}
	if st.Stage.Terminal() {
		ended := now.UTC()
		if !st.FinishedAt.IsZero() {
			ended = st.FinishedAt.UTC()
		}
		r.EndedAt = &ended
	}
	hb := now.UTC()
	r.LastHeartbeat = &hb
}
