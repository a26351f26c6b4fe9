// Package manifest loads and validates lakeflow pipeline manifests.
//
// A pipeline manifest is a YAML or JSON file describing one run: where the
// landing files come from, which seed markers gate the run, the sources to
// copy and ingest, the transform tasks, and the failure tolerance.
//
// Manifests are checked against an embedded JSON Schema first (strict
// typing, no unknown properties) and then semantically: ids must be unique,
// tasks must reference sources, the source graph must be acyclic.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	source_store:
//	  provider: s3
//	  bucket: vendor-drop
//	lake_store:
//	  provider: s3
//	  bucket: analytics-lake
//	markers:
//	  - seed/ok.flag
//	run:
//	  concurrency: 4
//	  tolerance:
//	    mode: lenient
//	    max_failures: 1
//	sources:
//	  - source_id: orders
//	    source_prefix: exports/orders/
//	    destination_prefix: landing/orders/
//	    partition_key: "2024-06"
//	transform:
//	  routine: standard
//	  tasks:
//	    - task_id: orders_eu
//	      source_id: orders
//	      parameters:
//	        where: region == "eu"
package manifest

import (
	"fmt"
	"time"

	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/retry"
	"github.com/3leaps/lakeflow/pkg/transform"
)

// Manifest is a validated pipeline manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// SourceStore holds the raw files the copy units read, and the seed
	// markers.
	SourceStore ConnectionConfig `json:"source_store" yaml:"source_store"`

	// LakeStore holds the landing, cleansed and transformed stages. When
	// omitted the source store is used.
	LakeStore *ConnectionConfig `json:"lake_store,omitempty" yaml:"lake_store,omitempty"`

	// Markers are seed artifacts that must exist before any unit starts.
	Markers []string `json:"markers,omitempty" yaml:"markers,omitempty"`

	Run        RunConfig        `json:"run,omitempty" yaml:"run,omitempty"`
	Preflight  PreflightConfig  `json:"preflight,omitempty" yaml:"preflight,omitempty"`
	Transfer   TransferConfig   `json:"transfer,omitempty" yaml:"transfer,omitempty"`
	Checkpoint CheckpointConfig `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Lake       LakeConfig       `json:"lake,omitempty" yaml:"lake,omitempty"`

	// Sources is the ordered fan-out unit list.
	Sources []SourceConfig `json:"sources" yaml:"sources"`

	Transform TransformConfig `json:"transform,omitempty" yaml:"transform,omitempty"`
	Output    OutputConfig    `json:"output,omitempty" yaml:"output,omitempty"`
}

// ConnectionConfig configures one object store.
type ConnectionConfig struct {
	// Provider is one of s3, minio, file, memory.
	Provider string `json:"provider" yaml:"provider"`

	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name (s3 only).
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// AccessKeyEnv and SecretKeyEnv name environment variables holding
	// static credentials. Secrets never live in the manifest.
	AccessKeyEnv string `json:"access_key_env,omitempty" yaml:"access_key_env,omitempty"`
	SecretKeyEnv string `json:"secret_key_env,omitempty" yaml:"secret_key_env,omitempty"`

	ForcePathStyle bool `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
	UseSSL         bool `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`

	// BaseDir is the root directory (file only).
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`

	// RateLimit caps requests per second against this store. 0 = unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// RunConfig holds run-wide scheduling and failure policy.
type RunConfig struct {
	// Concurrency bounds simultaneously running units in every stage.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	Tolerance report.Tolerance `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Retry     RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Systemic  SystemicConfig   `json:"systemic,omitempty" yaml:"systemic,omitempty"`
}

// RetryConfig bounds per-unit retries of retryable failures.
type RetryConfig struct {
	MaxAttempts     int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialInterval string `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     string `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
}

// Policy converts the config. Durations are validated at load time.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if d, err := time.ParseDuration(r.InitialInterval); err == nil && d > 0 {
		p.InitialInterval = d
	}
	if d, err := time.ParseDuration(r.MaxInterval); err == nil && d > 0 {
		p.MaxInterval = d
	}
	return p
}

// SystemicConfig tunes the connectivity failure detector. Threshold 0
// disables it.
type SystemicConfig struct {
	Threshold int    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Window    string `json:"window,omitempty" yaml:"window,omitempty"`
}

// WindowDuration returns the parsed window.
func (s SystemicConfig) WindowDuration() time.Duration {
	d, _ := time.ParseDuration(s.Window)
	return d
}

// PreflightConfig controls how aggressively the run probes permissions
// before starting.
//
// - plan-only: no provider calls
// - read-safe: list and read only
// - write-probe: writes and deletes one probe object in the lake store
type PreflightConfig struct {
	Mode        string `json:"mode,omitempty" yaml:"mode,omitempty"`
	ProbePrefix string `json:"probe_prefix,omitempty" yaml:"probe_prefix,omitempty"`
}

// TransferConfig configures the landing copy.
type TransferConfig struct {
	// Mode is copy or move.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Concurrency bounds object copies inside one unit.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// OnExists is skip, overwrite or fail.
	OnExists string `json:"on_exists,omitempty" yaml:"on_exists,omitempty"`

	// Dedup is etag, size or none; it decides when an existing object is
	// the same as its source.
	Dedup string `json:"dedup,omitempty" yaml:"dedup,omitempty"`

	// PathTemplate maps a source key under destination_prefix.
	PathTemplate string `json:"path_template,omitempty" yaml:"path_template,omitempty"`

	RetryBufferMaxMemoryBytes int64 `json:"retry_buffer_max_memory_bytes,omitempty" yaml:"retry_buffer_max_memory_bytes,omitempty"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	// Backend is sqlite, postgres or object.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`

	// DSNEnv names the environment variable holding the Postgres DSN.
	DSNEnv string `json:"dsn_env,omitempty" yaml:"dsn_env,omitempty"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`

	// Prefix is where the object backend keeps records.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// LakeConfig lays out the stages in the lake store.
type LakeConfig struct {
	CleansedPrefix    string `json:"cleansed_prefix,omitempty" yaml:"cleansed_prefix,omitempty"`
	TransformedPrefix string `json:"transformed_prefix,omitempty" yaml:"transformed_prefix,omitempty"`

	// MaxFilesPerBatch caps one ingestion cycle. 0 = no cap.
	MaxFilesPerBatch int `json:"max_files_per_batch,omitempty" yaml:"max_files_per_batch,omitempty"`
}

// SourceConfig is one copy and ingestion unit. Its source_id is also the
// ingestion stream id.
type SourceConfig struct {
	SourceID          string `json:"source_id" yaml:"source_id"`
	SourcePrefix      string `json:"source_prefix" yaml:"source_prefix"`
	DestinationPrefix string `json:"destination_prefix" yaml:"destination_prefix"`

	// PartitionKey names the landing partition, e.g. a year-month.
	PartitionKey string `json:"partition_key,omitempty" yaml:"partition_key,omitempty"`

	// SchemaHint is "name:type,..." and seeds the schema of a new stream.
	SchemaHint string `json:"schema_hint,omitempty" yaml:"schema_hint,omitempty"`

	Includes      []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes      []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	IncludeHidden bool     `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// Format forces a decoder (jsonl, json, csv). Empty detects by
	// extension.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// DependsOn lists source ids whose copy must succeed first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

func (s SourceConfig) UnitID() string         { return s.SourceID }
func (s SourceConfig) Dependencies() []string { return s.DependsOn }

// TransformConfig names the routine and where its tasks come from.
type TransformConfig struct {
	// Routine is the default routine reference for tasks that leave it
	// empty.
	Routine string `json:"routine,omitempty" yaml:"routine,omitempty"`

	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	Tasks []transform.Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	// Lookup reads the task list from an object in the lake store instead.
	Lookup *LookupConfig `json:"lookup,omitempty" yaml:"lookup,omitempty"`
}

type LookupConfig struct {
	Key string `json:"key" yaml:"key"`
}

// OutputConfig configures where JSONL records go.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/run.jsonl".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// Default values for optional configuration fields.
const (
	DefaultVersion           = "1.0"
	DefaultConcurrency       = 4
	DefaultTransferConc      = 8
	DefaultPreflightMode     = "read-safe"
	DefaultProbePrefix       = "_lakeflow/probe/"
	DefaultTransferMode      = "copy"
	DefaultOnExists          = "skip"
	DefaultDedup             = "etag"
	DefaultCheckpointBackend = "sqlite"
	DefaultCheckpointPath    = ".lakeflow/checkpoints.db"
	DefaultCheckpointPrefix  = "_lakeflow/checkpoints/"
	DefaultCleansedPrefix    = "cleansed/"
	DefaultTransformedPrefix = "transformed/"
	DefaultRoutine           = transform.StandardName
	DefaultDestination       = "stdout"
	DefaultSystemicWindow    = "1m"
)

// ApplyDefaults fills optional fields. Tasks with no routine inherit the
// transform routine.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.LakeStore == nil {
		lake := m.SourceStore
		m.LakeStore = &lake
	}
	if m.Run.Concurrency == 0 {
		m.Run.Concurrency = DefaultConcurrency
	}
	if m.Run.Tolerance.Mode == "" {
		m.Run.Tolerance.Mode = report.ModeStrict
	}
	if m.Run.Systemic.Threshold > 0 && m.Run.Systemic.Window == "" {
		m.Run.Systemic.Window = DefaultSystemicWindow
	}

	if m.Preflight.Mode == "" {
		m.Preflight.Mode = DefaultPreflightMode
	}
	if m.Preflight.ProbePrefix == "" {
		m.Preflight.ProbePrefix = DefaultProbePrefix
	}

	if m.Transfer.Mode == "" {
		m.Transfer.Mode = DefaultTransferMode
	}
	if m.Transfer.Concurrency == 0 {
		m.Transfer.Concurrency = DefaultTransferConc
	}
	if m.Transfer.OnExists == "" {
		m.Transfer.OnExists = DefaultOnExists
	}
	if m.Transfer.Dedup == "" {
		m.Transfer.Dedup = DefaultDedup
	}

	if m.Checkpoint.Backend == "" {
		m.Checkpoint.Backend = DefaultCheckpointBackend
	}
	if m.Checkpoint.Backend == DefaultCheckpointBackend && m.Checkpoint.Path == "" {
		m.Checkpoint.Path = DefaultCheckpointPath
	}
	if m.Checkpoint.Backend == "object" && m.Checkpoint.Prefix == "" {
		m.Checkpoint.Prefix = DefaultCheckpointPrefix
	}

	if m.Lake.CleansedPrefix == "" {
		m.Lake.CleansedPrefix = DefaultCleansedPrefix
	}
	if m.Lake.TransformedPrefix == "" {
		m.Lake.TransformedPrefix = DefaultTransformedPrefix
	}

	for i := range m.Sources {
		if len(m.Sources[i].Includes) == 0 {
			m.Sources[i].Includes = []string{"**"}
		}
	}

	if m.Transform.Routine == "" {
		m.Transform.Routine = DefaultRoutine
	}
	if m.Transform.Concurrency == 0 {
		m.Transform.Concurrency = m.Run.Concurrency
	}
	for i := range m.Transform.Tasks {
		if m.Transform.Tasks[i].Routine == "" {
			m.Transform.Tasks[i].Routine = m.Transform.Routine
		}
	}

	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
}

// Source returns the source with id.
func (m *Manifest) Source(id string) (SourceConfig, bool) {
	for _, s := range m.Sources {
		if s.SourceID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// String is a one-line summary used in logs.
func (m *Manifest) String() string {
	return fmt.Sprintf("sources=%d markers=%d tasks=%d tolerance=%s",
		len(m.Sources), len(m.Markers), len(m.Transform.Tasks), m.Run.Tolerance)
}
