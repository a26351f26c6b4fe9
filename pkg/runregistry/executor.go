package runregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagedRunFlag is the hidden flag that tells a child `lakeflow run` which
// registry record it owns.
const ManagedRunFlag = "--_managed-run-id"

// Executor spawns background runs as child processes, capturing their
// stdout and stderr to per-run log files.
type Executor struct {
	store *Store
	exe   func() (string, error)
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root), exe: os.Executable}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

type BackgroundOptions struct {
	// Dedupe refuses to start when a run of the same manifest is running.
	Dedupe bool
	// Args are passed through to the child after the manifest flag.
	Args []string
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.New().String()
}

// StartBackground spawns:
//
//	lakeflow run --manifest <manifest> --_managed-run-id <run_id> [args...]
//
// It returns once the child has started.
func (e *Executor) StartBackground(manifestPath string, opts BackgroundOptions) (*Record, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	absManifest, err := filepath.Abs(strings.TrimSpace(manifestPath))
	if err != nil || strings.TrimSpace(manifestPath) == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	if _, err := os.Stat(absManifest); err != nil {
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}

	if opts.Dedupe {
		existing, _ := e.store.List()
		for _, r := range existing {
			if r.ManifestPath == absManifest && r.State == StateRunning {
				return nil, fmt.Errorf("duplicate running run exists: %s", r.RunID)
			}
		}
	}

	exe, err := e.exe()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	runID := NewRunID()
	if err := os.MkdirAll(e.store.RunDir(runID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	stdoutFile, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	args := append([]string{"run", "--manifest", absManifest, ManagedRunFlag, runID}, opts.Args...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	now := time.Now().UTC()
	rec := &Record{
		RunID:        runID,
		State:        StateQueued,
		ManifestPath: absManifest,
		CreatedAt:    now,
		StdoutPath:   e.StdoutPath(runID),
		StderrPath:   e.StderrPath(runID),
	}
	// The child updates this record, so it must exist before the child starts.
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		rec.State = StateFailed
		rec.Error = err.Error()
		_ = e.store.Write(rec)
		return nil, fmt.Errorf("start background run: %w", err)
	}

	// The child records its own pid and progress in run.json.
	rec.PID = cmd.Process.Pid
	_ = cmd.Process.Release()
	return rec, nil
}
