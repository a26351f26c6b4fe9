// Package checkpoint persists per-stream ingestion progress.
//
// One Record exists per stream id. Records are only ever replaced through
// CompareAndSwap, keyed on the stored version, so two writers for the same
// stream cannot both succeed. Backends: local SQLite, Postgres, and JSON
// objects in the lake itself.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/schema"
)

// ErrVersionConflict means the stored version no longer matches the version
// the caller read.
var ErrVersionConflict = errors.New("checkpoint version conflict")

// FileMark records one ingested landing file.
type FileMark struct {
	Key   string `json:"key"`
	ETag  string `json:"etag,omitempty"`
	Size  int64  `json:"size"`
	Batch string `json:"batch"`
}

// Record is the durable progress marker of one stream.
type Record struct {
	StreamID string         `json:"stream_id"`
	Files    []FileMark     `json:"files"`
	Batches  int64          `json:"batches"`
	Records  int64          `json:"records"`
	Schema   *schema.Schema `json:"schema,omitempty"`

	// Version increases by one on every successful CompareAndSwap. The first
	// stored record has version 1.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Has reports whether key has been ingested.
func (r *Record) Has(key string) bool {
	if r == nil {
		return false
	}
	i := sort.Search(len(r.Files), func(i int) bool { return r.Files[i].Key >= key })
	return i < len(r.Files) && r.Files[i].Key == key
}

// Mark returns the file mark for key.
func (r *Record) Mark(key string) (FileMark, bool) {
	if r == nil {
		return FileMark{}, false
	}
	i := sort.Search(len(r.Files), func(i int) bool { return r.Files[i].Key >= key })
	if i < len(r.Files) && r.Files[i].Key == key {
		return r.Files[i], true
	}
	return FileMark{}, false
}

// Advance returns a copy of r with marks added, counters bumped and the
// schema replaced. r may be nil for a first batch.
func (r *Record) Advance(streamID string, marks []FileMark, records int64, s *schema.Schema) *Record {
	next := &Record{StreamID: streamID}
	if r != nil {
		next.Files = append(next.Files, r.Files...)
		next.Batches = r.Batches
		next.Records = r.Records
		next.Version = r.Version
	}
	next.Files = append(next.Files, marks...)
	sort.Slice(next.Files, func(i, j int) bool { return next.Files[i].Key < next.Files[j].Key })
	next.Batches++
	next.Records += records
	next.Schema = s.Clone()
	return next
}

// Store persists checkpoint records.
type Store interface {
	// Get returns the record for streamID, or (nil, nil) when none exists.
	// An unreadable record yields *fault.CheckpointCorruptionError.
	Get(ctx context.Context, streamID string) (*Record, error)

	// CompareAndSwap stores next if the current version equals expected
	// (0 meaning "no record yet"). The stored record, with Version set to
	// expected+1, is returned. A mismatch returns ErrVersionConflict.
	CompareAndSwap(ctx context.Context, next *Record, expected int64) (*Record, error)

	// List returns all records ordered by stream id. Corrupt records are
	// skipped and reported through the returned error slice.
	List(ctx context.Context) ([]Record, []error, error)

	Close() error
}

func encode(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

// decode parses a stored body and cross-checks it against the row it came
// from. Any mismatch is corruption, not drift.
func decode(streamID string, version int64, body []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &fault.CheckpointCorruptionError{StreamID: streamID, Err: err}
	}
	if r.StreamID != streamID {
		return nil, &fault.CheckpointCorruptionError{StreamID: streamID, Err: fmt.Errorf("record names stream %q", r.StreamID)}
	}
	if r.Version < 1 || (version > 0 && r.Version != version) {
		return nil, &fault.CheckpointCorruptionError{StreamID: streamID, Err: fmt.Errorf("record version %d does not match stored version %d", r.Version, version)}
	}
	if !sort.SliceIsSorted(r.Files, func(i, j int) bool { return r.Files[i].Key < r.Files[j].Key }) {
		return nil, &fault.CheckpointCorruptionError{StreamID: streamID, Err: errors.New("file set is not ordered")}
	}
	return &r, nil
}

// prepare stamps the next version onto a copy of next.
func prepare(next *Record, expected int64, now time.Time) (*Record, error) {
	if next == nil || next.StreamID == "" {
		return nil, errors.New("checkpoint: stream id is required")
	}
	if expected < 0 {
		return nil, fmt.Errorf("checkpoint: invalid expected version %d", expected)
	}
	out := *next
	out.Files = append([]FileMark(nil), next.Files...)
	out.Version = expected + 1
	out.UpdatedAt = now.UTC()
	return &out, nil
}

func conflict(streamID string, expected int64) error {
	return fault.New(fault.KindCheckpointConflict, "compare-and-swap", streamID,
		fmt.Errorf("%w: expected version %d", ErrVersionConflict, expected))
}
