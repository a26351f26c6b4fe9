package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/3leaps/lakeflow/pkg/report"
)

// ErrNotFound is returned for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Store persists and loads run Records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/report.json
//	<root>/<run_id>/stdout.log
//	<root>/<run_id>/stderr.log
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ReportPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "report.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write replaces run.json atomically.
func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	return s.writeJSON(runID, "run.json", record)
}

// WriteReport stores the final run report next to run.json.
func (s *Store) WriteReport(runID string, rep *report.Report) error {
	if rep == nil {
		return fmt.Errorf("run report is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	return s.writeJSON(runID, "report.json", rep)
}

func (s *Store) writeJSON(runID, name string, v any) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(runDir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *Store) Get(runID string) (*Record, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	// A run that claims to be running but whose process is gone is unknown.
	if record.State == StateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = StateUnknown
		now := time.Now().UTC()
		record.LastHeartbeat = &now
		_ = s.Write(&record)
	}
	return &record, nil
}

// Report loads the stored report of a finished run.
func (s *Store) Report(runID string) (*report.Report, error) {
	b, err := os.ReadFile(s.ReportPath(strings.TrimSpace(runID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no report for %s", ErrNotFound, runID)
		}
		return nil, err
	}
	var rep report.Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, fmt.Errorf("parse report.json: %w", err)
	}
	return &rep, nil
}

// List returns every readable run, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out, nil
}

func sortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	return p.Signal(syscall.Signal(0)) == nil
}
