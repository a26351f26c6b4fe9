// Package ingest is the streaming ingestion engine: it moves newly landed
// files of each stream into the cleansed stage exactly once.
//
// One cycle per stream runs Discover, InferOrValidateSchema, AppendCommit,
// strictly in sequence and under a per-stream lock:
//
//   - Discover lists the stream's landing prefix and keeps files the
//     checkpoint has not recorded.
//   - The new files' schema is inferred, or checked against the recorded
//     one. A conflict fails this stream only.
//   - The batch is written to the cleansed stage under a key derived from
//     its file set, then the checkpoint is advanced by compare-and-swap.
//
// A crash between the data write and the checkpoint advance leaves an
// unreferenced batch object. The next cycle removes it before writing, and
// rewrites the same file set to the same key, so replays never duplicate
// records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/pkg/checkpoint"
	"github.com/3leaps/lakeflow/pkg/dispatch"
	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/match"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/records"
	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/retry"
	"github.com/3leaps/lakeflow/pkg/schema"
)

// Stream is one ingestion stream: a landing location plus its decoding and
// schema settings.
type Stream struct {
	ID string
	// Selector covers the stream's landing prefix and include/exclude
	// patterns.
	Selector *match.Selector
	// Format forces a decoder; empty means detect by extension.
	Format string
	// SchemaHint, when set, is the baseline for a stream with no recorded
	// schema yet.
	SchemaHint *schema.Schema
}

func (s Stream) UnitID() string         { return s.ID }
func (s Stream) Dependencies() []string { return nil }

type Config struct {
	// CleansedPrefix is the root of the cleansed stage.
	CleansedPrefix string
	// MaxFilesPerBatch caps a cycle; the rest wait for the next run. Zero
	// means no cap.
	MaxFilesPerBatch int
}

// Outcome describes one completed cycle.
type Outcome struct {
	StreamID string
	// Idle is set when there was nothing new.
	Idle     bool
	BatchID  string
	BatchKey string
	Files    int
	Records  int64
	// Relanded counts keys already ingested that reappeared with different
	// content. They are never re-ingested.
	Relanded int
	// Recovered counts stale uncommitted batch objects removed.
	Recovered int
	Version   int64
}

type Engine struct {
	store  *objstore.Client
	ckpt   checkpoint.Store
	cfg    Config
	policy retry.Policy
	log    *zap.Logger
	now    func() time.Time
	locks  *keyedMutex

	detector *fault.Detector
	observe  func(report.WorkUnitResult)
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithDetector shares a systemic-failure detector with IngestAll's pool.
func WithDetector(d *fault.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithObserver receives result transitions from IngestAll.
func WithObserver(fn func(report.WorkUnitResult)) Option {
	return func(e *Engine) { e.observe = fn }
}

func New(store *objstore.Client, ckpt checkpoint.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		ckpt:   ckpt,
		cfg:    cfg,
		policy: retry.DefaultPolicy(),
		log:    zap.NewNop(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ingest runs one cycle for s and folds the outcome into a result. Errors
// never escape; they become a Failed result.
func (e *Engine) Ingest(ctx context.Context, s Stream) report.WorkUnitResult {
	r := report.NewPending(s.ID, report.PhaseIngest)
	r.Start(e.now())
	err := e.Process(ctx, s, &r)
	r.Finish(e.now(), err)
	return r
}

// IngestAll runs streams concurrently, at most concurrency at a time, and
// returns one result per stream in input order. The error is set only when
// a fatal failure halted the batch.
func (e *Engine) IngestAll(ctx context.Context, streams []Stream, concurrency int) ([]report.WorkUnitResult, error) {
	pool := dispatch.NewPool(concurrency,
		dispatch.WithLogger(e.log),
		dispatch.WithDetector(e.detector),
		dispatch.WithObserver(e.observe))

	jobs := make([]dispatch.Job, len(streams))
	for i, s := range streams {
		jobs[i] = dispatch.Job{
			ID:    s.ID,
			Phase: report.PhaseIngest,
			Run: func(ctx context.Context, r *report.WorkUnitResult) error {
				return e.Process(ctx, s, r)
			},
		}
	}
	return pool.Run(ctx, jobs)
}

// Process runs one cycle for s and records its metrics on r. It is the
// work function behind Ingest and IngestAll, exported for callers that
// schedule streams on their own pool.
func (e *Engine) Process(ctx context.Context, s Stream, r *report.WorkUnitResult) error {
	out, err := e.Cycle(ctx, s)
	if out != nil {
		r.SetMetric("files", int64(out.Files))
		r.SetMetric("records", out.Records)
		if out.Relanded > 0 {
			r.SetMetric("relanded", int64(out.Relanded))
		}
		if out.Recovered > 0 {
			r.SetMetric("recovered", int64(out.Recovered))
		}
	}
	return err
}

// Cycle performs one Discover / schema / AppendCommit pass for s.
func (e *Engine) Cycle(ctx context.Context, s Stream) (*Outcome, error) {
	if s.ID == "" || s.Selector == nil {
		return nil, fault.New(fault.KindInvalidConfig, "ingest", s.ID, errors.New("stream needs an id and a selector"))
	}
	unlock, err := e.locks.Lock(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := e.log.With(zap.String("stream_id", s.ID))
	out := &Outcome{StreamID: s.ID}

	// Discover.
	var rec *checkpoint.Record
	if err := e.retry(ctx, func(ctx context.Context) error {
		var gerr error
		rec, gerr = e.ckpt.Get(ctx, s.ID)
		return gerr
	}); err != nil {
		return nil, err
	}

	fresh, relanded, err := e.discover(ctx, s, rec)
	if err != nil {
		return nil, err
	}
	out.Relanded = len(relanded)
	for _, f := range relanded {
		log.Warn("ingested file changed after ingestion; not re-ingesting", zap.String("key", f.Key), zap.String("etag", f.ETag))
	}
	if len(fresh) == 0 {
		out.Idle = true
		if rec != nil {
			out.Version = rec.Version
		}
		// An orphan whose landing files are gone would otherwise never be
		// swept.
		recovered, err := e.dropUncommitted(ctx, s.ID, rec, "")
		if err != nil {
			return nil, err
		}
		out.Recovered = recovered
		log.Debug("stream caught up")
		return out, nil
	}
	if e.cfg.MaxFilesPerBatch > 0 && len(fresh) > e.cfg.MaxFilesPerBatch {
		fresh = fresh[:e.cfg.MaxFilesPerBatch]
	}

	// InferOrValidateSchema.
	decoded, err := e.load(ctx, s, fresh)
	if err != nil {
		return nil, err
	}
	var baseline *schema.Schema
	if rec != nil && rec.Schema != nil {
		baseline = rec.Schema
	} else if s.SchemaHint != nil {
		baseline = s.SchemaHint
	}
	merged, err := resolveSchema(s.ID, baseline, fresh, decoded)
	if err != nil {
		log.Warn("schema drift", zap.Error(err))
		return nil, err
	}

	// AppendCommit.
	out.BatchID = BatchID(fresh)
	out.BatchKey = BatchKey(e.cfg.CleansedPrefix, s.ID, out.BatchID)
	body, n, err := encodeBatch(out.BatchID, fresh, decoded)
	if err != nil {
		return nil, fault.New(fault.KindInternal, "encode", out.BatchKey, err)
	}
	out.Files = len(fresh)
	out.Records = n

	recovered, err := e.dropUncommitted(ctx, s.ID, rec, out.BatchID)
	if err != nil {
		return nil, err
	}
	out.Recovered = recovered

	if err := e.retry(ctx, func(ctx context.Context) error {
		return fault.StoreIO("write", out.BatchKey, e.store.Write(ctx, out.BatchKey, body, objstore.WriteOverwrite))
	}); err != nil {
		return nil, err
	}

	marks := make([]checkpoint.FileMark, len(fresh))
	for i, f := range fresh {
		marks[i] = checkpoint.FileMark{Key: f.Key, ETag: f.ETag, Size: f.Size, Batch: out.BatchID}
	}
	saved, err := e.commit(ctx, s.ID, rec, marks, n, merged)
	if err != nil {
		return nil, err
	}
	out.Version = saved.Version

	// A concurrent recovery elsewhere may have removed the object between
	// our write and the commit; the bytes are deterministic, so restore it.
	if err := e.ensure(ctx, out.BatchKey, body); err != nil {
		return nil, err
	}

	log.Info("batch committed",
		zap.String("batch_id", out.BatchID),
		zap.Int("files", out.Files),
		zap.Int64("records", out.Records),
		zap.Int64("version", out.Version))
	return out, nil
}

// CommittedBatches returns the cleansed batch keys the checkpoint of
// streamID references, sorted. A stream with no checkpoint has none; the
// slice is never nil.
func (e *Engine) CommittedBatches(ctx context.Context, streamID string) ([]string, error) {
	var rec *checkpoint.Record
	if err := e.retry(ctx, func(ctx context.Context) error {
		var gerr error
		rec, gerr = e.ckpt.Get(ctx, streamID)
		return gerr
	}); err != nil {
		return nil, err
	}
	return CommittedKeys(e.cfg.CleansedPrefix, rec), nil
}

// CommittedKeys lists the batch objects rec references.
func CommittedKeys(cleansedPrefix string, rec *checkpoint.Record) []string {
	keys := []string{}
	if rec == nil {
		return keys
	}
	seen := make(map[string]struct{})
	for _, f := range rec.Files {
		if _, ok := seen[f.Batch]; ok || f.Batch == "" {
			continue
		}
		seen[f.Batch] = struct{}{}
		keys = append(keys, BatchKey(cleansedPrefix, rec.StreamID, f.Batch))
	}
	sort.Strings(keys)
	return keys
}

// discover splits the selected landing files into new ones and ones that
// were ingested before but now carry a different etag or size.
func (e *Engine) discover(ctx context.Context, s Stream, rec *checkpoint.Record) (fresh, relanded []objstore.Entry, err error) {
	prefix := s.Selector.Prefix()
	var entries []objstore.Entry
	if err := e.retry(ctx, func(ctx context.Context) error {
		var lerr error
		entries, lerr = e.store.List(ctx, prefix)
		return fault.StoreIO("list", prefix, lerr)
	}); err != nil {
		return nil, nil, err
	}

	for _, ent := range entries {
		if !s.Selector.Match(ent.Key) {
			continue
		}
		mark, seen := rec.Mark(ent.Key)
		if !seen {
			fresh = append(fresh, ent)
			continue
		}
		if mark.ETag != ent.ETag || mark.Size != ent.Size {
			relanded = append(relanded, ent)
		}
	}
	return fresh, relanded, nil
}

func (e *Engine) load(ctx context.Context, s Stream, files []objstore.Entry) ([][]records.Record, error) {
	out := make([][]records.Record, len(files))
	for i, f := range files {
		format, err := records.Detect(s.Format, f.Key)
		if err != nil {
			return nil, fault.New(fault.KindSchemaDrift, "decode", f.Key, err)
		}
		var data []byte
		if err := e.retry(ctx, func(ctx context.Context) error {
			var rerr error
			data, rerr = e.store.Read(ctx, f.Key)
			return fault.StoreIO("read", f.Key, rerr)
		}); err != nil {
			return nil, err
		}
		recs, err := records.Decode(format, data)
		if err != nil {
			return nil, fault.New(fault.KindSchemaDrift, "decode", f.Key, err)
		}
		out[i] = recs
	}
	return out, nil
}

// resolveSchema returns the schema to record after this batch. Without a
// baseline the whole batch is inferred at once, so types mixed across files
// widen. With one, every file is checked on its own so conflicts name the
// file that caused them.
func resolveSchema(streamID string, baseline *schema.Schema, files []objstore.Entry, decoded [][]records.Record) (*schema.Schema, error) {
	if baseline == nil {
		var all []map[string]any
		for _, recs := range decoded {
			all = append(all, recs...)
		}
		return schema.Infer(all), nil
	}

	merged := baseline
	var conflicts []fault.Conflict
	for i, recs := range decoded {
		next, cs := schema.Check(merged, schema.Infer(recs))
		if len(cs) > 0 {
			for j := range cs {
				cs[j].File = files[i].Key
			}
			conflicts = append(conflicts, cs...)
			continue
		}
		merged = next
	}
	if len(conflicts) > 0 {
		return nil, &fault.SchemaDriftError{StreamID: streamID, Conflicts: conflicts}
	}
	return merged, nil
}

func encodeBatch(batchID string, files []objstore.Entry, decoded [][]records.Record) ([]byte, int64, error) {
	var all []records.Record
	for i, recs := range decoded {
		for _, r := range recs {
			row := make(records.Record, len(r)+2)
			for k, v := range r {
				row[k] = v
			}
			row[ColumnSourceFile] = files[i].Key
			row[ColumnBatchID] = batchID
			all = append(all, row)
		}
	}
	body, err := records.EncodeJSONL(all)
	return body, int64(len(all)), err
}

// dropUncommitted deletes batch objects of this stream that no checkpoint entry
// references, except the batch about to be written.
func (e *Engine) dropUncommitted(ctx context.Context, streamID string, rec *checkpoint.Record, current string) (int, error) {
	committed := make(map[string]bool)
	if rec != nil {
		for _, f := range rec.Files {
			committed[f.Batch] = true
		}
	}

	prefix := StreamPrefix(e.cfg.CleansedPrefix, streamID)
	var entries []objstore.Entry
	if err := e.retry(ctx, func(ctx context.Context) error {
		var lerr error
		entries, lerr = e.store.List(ctx, prefix)
		return fault.StoreIO("list", prefix, lerr)
	}); err != nil {
		return 0, err
	}

	removed := 0
	for _, ent := range entries {
		id, ok := batchIDFromKey(ent.Key)
		if !ok || committed[id] || id == current {
			continue
		}
		if err := e.retry(ctx, func(ctx context.Context) error {
			return fault.StoreIO("delete", ent.Key, e.store.Delete(ctx, ent.Key))
		}); err != nil {
			return removed, err
		}
		e.log.Info("removed uncommitted batch", zap.String("stream_id", streamID), zap.String("key", ent.Key))
		removed++
	}
	return removed, nil
}

// commit advances the checkpoint. It runs detached from ctx so a
// cancellation cannot leave the swap half done; the store's CAS is atomic
// either way. A lost race is resolved by re-reading: if the winner already
// recorded exactly these files the batch is committed, otherwise the
// conflict is returned.
func (e *Engine) commit(ctx context.Context, streamID string, rec *checkpoint.Record, marks []checkpoint.FileMark, n int64, s *schema.Schema) (*checkpoint.Record, error) {
	cctx := context.WithoutCancel(ctx)
	var expected int64
	if rec != nil {
		expected = rec.Version
	}
	next := rec.Advance(streamID, marks, n, s)

	var saved *checkpoint.Record
	err := e.retry(cctx, func(ctx context.Context) error {
		var cerr error
		saved, cerr = e.ckpt.CompareAndSwap(ctx, next, expected)
		if errors.Is(cerr, checkpoint.ErrVersionConflict) {
			return fault.Permanent(cerr)
		}
		return cerr
	})
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, checkpoint.ErrVersionConflict) {
		return nil, err
	}

	current, gerr := e.ckpt.Get(cctx, streamID)
	if gerr != nil {
		return nil, gerr
	}
	for _, m := range marks {
		got, ok := current.Mark(m.Key)
		if !ok || got.Batch != m.Batch {
			return nil, err
		}
	}
	return current, nil
}

func (e *Engine) ensure(ctx context.Context, key string, body []byte) error {
	return e.retry(context.WithoutCancel(ctx), func(ctx context.Context) error {
		ok, err := e.store.Exists(ctx, key)
		if err != nil {
			return fault.StoreIO("exists", key, err)
		}
		if ok {
			return nil
		}
		e.log.Warn("committed batch missing; rewriting", zap.String("key", key))
		return fault.StoreIO("write", key, e.store.Write(ctx, key, body, objstore.WriteOverwrite))
	})
}

func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, e.policy, fn)
	return err
}

// String is used in logs.
func (o *Outcome) String() string {
	if o.Idle {
		return fmt.Sprintf("%s: idle", o.StreamID)
	}
	return fmt.Sprintf("%s: batch %s files=%d records=%d", o.StreamID, o.BatchID, o.Files, o.Records)
}
