package runregistry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/pkg/report"
)

// Tracker keeps one run.json current while the run progresses. Write
// failures are logged, never returned: the registry is operator metadata.
type Tracker struct {
	store *Store
	log   *zap.Logger
	now   func() time.Time

	mu  sync.Mutex
	rec Record
}

// Track loads or creates the record for runID and marks it owned by this
// process.
func Track(store *Store, runID, manifestPath string, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{store: store, log: log, now: time.Now}
	if cur, err := store.Get(runID); err == nil {
		t.rec = *cur
	} else {
		t.rec = Record{RunID: runID, State: StateQueued, CreatedAt: t.now().UTC()}
	}
	if manifestPath != "" {
		t.rec.ManifestPath = manifestPath
	}
	t.rec.PID = pid()
	t.persist()
	return t
}

// Describe attaches store identities to the record.
func (t *Tracker) Describe(source, lake *StoreIdentity) {
	t.mu.Lock()
	t.rec.SourceStore, t.rec.LakeStore = source, lake
	t.mu.Unlock()
	t.persist()
}

// Observe is a pipeline stage observer.
func (t *Tracker) Observe(st report.RunState) {
	t.mu.Lock()
	t.rec.Observe(st, t.now())
	t.mu.Unlock()
	t.persist()
}

// Finish stores the final counts and report.
func (t *Tracker) Finish(rep *report.Report) {
	if rep == nil {
		return
	}
	t.mu.Lock()
	t.rec.Observe(rep.State, t.now())
	counts := rep.Counts
	t.rec.Counts = &counts
	t.mu.Unlock()
	t.persist()
	if err := t.store.WriteReport(t.rec.RunID, rep); err != nil {
		t.log.Warn("write run report", zap.String("run_id", t.rec.RunID), zap.Error(err))
	}
}

// Record returns a copy of the tracked record.
func (t *Tracker) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

func (t *Tracker) persist() {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if err := t.store.Write(&rec); err != nil {
		t.log.Warn("write run record", zap.String("run_id", rec.RunID), zap.Error(err))
	}
}
