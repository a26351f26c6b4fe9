// Package pipeline sequences one run through its stages:
//
//	Validating -> Copying -> Ingesting -> Transforming -> Done
//
// Any stage can move the run to Failed. Unit-local failures are captured in
// WorkUnitResults and never stop a stage; only fatal errors (missing
// markers, a systemic connectivity outage, invalid configuration,
// cancellation) do. Whether a run that finished all stages is Done or Failed
// is decided by the failure tolerance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/pkg/dispatch"
	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/ingest"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/output"
	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/transform"
)

// ErrToleranceExceeded fails a run whose units finished but did not meet
// the configured tolerance.
var ErrToleranceExceeded = errors.New("failure tolerance exceeded")

// CodeToleranceExceeded is the RunState error code for ErrToleranceExceeded.
const CodeToleranceExceeded = "TOLERANCE_EXCEEDED"

// CopyFunc lands one source. It is the injected copy function.
type CopyFunc = dispatch.WorkFunc[manifest.SourceConfig]

// MarkerChecker is the dependency validator.
type MarkerChecker interface {
	Validate(ctx context.Context, markers []string) (*output.PreflightRecord, error)
}

// Ingester processes one stream cycle into r.
type Ingester interface {
	Process(ctx context.Context, s ingest.Stream, r *report.WorkUnitResult) error
}

// TaskRunner applies one transform task into r.
type TaskRunner interface {
	Process(ctx context.Context, t transform.Task, r *report.WorkUnitResult) error
}

// Config is what one run does.
type Config struct {
	RunID   string
	Markers []string
	Sources []manifest.SourceConfig

	// Concurrency bounds Running units in the copy and ingest stages.
	Concurrency int
	// TransformConcurrency bounds Running tasks; 0 means Concurrency.
	TransformConcurrency int

	Tolerance report.Tolerance
}

// Deps are the collaborators. Copy, Ingest and Transform are required;
// Markers may be nil when Config.Markers is empty.
type Deps struct {
	Markers MarkerChecker
	// Preflight, when set, runs after the markers check, e.g. a capability
	// probe.
	Preflight func(ctx context.Context) (*output.PreflightRecord, error)

	Copy      CopyFunc
	Ingest    Ingester
	Tasks     transform.Lookup
	Transform TaskRunner

	Writer   output.Writer
	Detector *fault.Detector
}

// Controller runs one pipeline. It is single use.
type Controller struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	mu       sync.RWMutex
	state    report.RunState
	results  []report.WorkUnitResult
	index    map[resultKey]int
	onStage  []func(report.RunState)
	onResult []func(report.WorkUnitResult)
	started  bool
}

type resultKey struct {
	phase report.Phase
	id    string
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New validates the wiring. Configuration problems are INVALID_CONFIG
// faults.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	invalid := func(msg string) error {
		return fault.New(fault.KindInvalidConfig, "pipeline", cfg.RunID, errors.New(msg))
	}
	switch {
	case cfg.RunID == "":
		return nil, invalid("run id is required")
	case deps.Copy == nil || deps.Ingest == nil || deps.Transform == nil:
		return nil, invalid("copy, ingest and transform are required")
	case len(cfg.Markers) > 0 && deps.Markers == nil:
		return nil, invalid("markers configured without a validator")
	}
	if err := cfg.Tolerance.Validate(); err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "tolerance", cfg.RunID, err)
	}
	if _, err := dispatch.Tiers(cfg.Sources); err != nil {
		return nil, err
	}
	for _, src := range cfg.Sources {
		if _, err := StreamFor(src); err != nil {
			return nil, err
		}
	}
	cfg.Concurrency = max(cfg.Concurrency, 1)
	if cfg.TransformConcurrency <= 0 {
		cfg.TransformConcurrency = cfg.Concurrency
	}
	if deps.Writer == nil {
		deps.Writer = output.Discard()
	}
	if deps.Tasks == nil {
		deps.Tasks = transform.StaticLookup(nil)
	}

	c := &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   zap.NewNop(),
		now:   time.Now,
		index: make(map[resultKey]int),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("run_id", cfg.RunID))
	c.state = report.RunState{RunID: cfg.RunID, Stage: report.StageValidating}
	return c, nil
}

// OnStage registers fn for every RunState transition. Register before Run.
func (c *Controller) OnStage(fn func(report.RunState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStage = append(c.onStage, fn)
}

// OnResult registers fn for every WorkUnitResult change. Register before
// Run.
func (c *Controller) OnResult(fn func(report.WorkUnitResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = append(c.onResult, fn)
}

// State returns the current RunState.
func (c *Controller) State() report.RunState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Results returns the results recorded so far, in stage then
// configuration order once a stage completes.
func (c *Controller) Results() []report.WorkUnitResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]report.WorkUnitResult, len(c.results))
	copy(out, c.results)
	return out
}

// Run executes the pipeline. The report is always returned; the error is
// set when the run ends Failed.
func (c *Controller) Run(ctx context.Context) (*report.Report, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, fault.New(fault.KindInvalidConfig, "run", c.cfg.RunID, errors.New("controller already ran"))
	}
	c.started = true
	c.state.StartedAt = c.now()
	c.mu.Unlock()

	c.emitState(ctx)
	c.log.Info("run started", zap.Int("sources", len(c.cfg.Sources)), zap.Int("markers", len(c.cfg.Markers)))

	tasks, err := c.validate(ctx)
	if err != nil {
		// Nothing was dispatched, so there are no results to record.
		return c.fail(ctx, err, nil, nil)
	}

	pool := dispatch.NewPool(c.cfg.Concurrency,
		dispatch.WithLogger(c.log),
		dispatch.WithDetector(c.deps.Detector),
		dispatch.WithObserver(c.record))

	// Copying.
	c.transition(ctx, report.StageCopying)
	copied, err := dispatch.Dispatch(ctx, pool, report.PhaseCopy, c.cfg.Sources, c.deps.Copy)
	c.settle(report.PhaseCopy, copied)
	if err = c.stageErr(ctx, err); err != nil {
		return c.fail(ctx, err, c.cfg.Sources, tasks)
	}

	// Ingesting.
	c.transition(ctx, report.StageIngesting)
	ingested, err := c.ingest(ctx, pool, copied)
	c.settle(report.PhaseIngest, ingested)
	if err = c.stageErr(ctx, err); err != nil {
		return c.fail(ctx, err, nil, tasks)
	}

	// Transforming.
	c.transition(ctx, report.StageTransforming)
	transformed, err := c.transform(ctx, tasks, ingested)
	c.settle(report.PhaseTransform, transformed)
	if err = c.stageErr(ctx, err); err != nil {
		return c.fail(ctx, err, nil, nil)
	}

	return c.finish(ctx)
}

// validate checks markers, runs the optional preflight and resolves the
// task list. Every failure here is fatal.
func (c *Controller) validate(ctx context.Context) ([]transform.Task, error) {
	if len(c.cfg.Markers) > 0 {
		rec, err := c.deps.Markers.Validate(ctx, c.cfg.Markers)
		if rec != nil {
			c.writeErr(c.deps.Writer.WritePreflight(ctx, rec))
		}
		if err != nil {
			return nil, err
		}
	}
	if c.deps.Preflight != nil {
		rec, err := c.deps.Preflight(ctx)
		if rec != nil {
			c.writeErr(c.deps.Writer.WritePreflight(ctx, rec))
		}
		if err != nil {
			return nil, fault.New(fault.KindInvalidConfig, "preflight", c.cfg.RunID, err)
		}
	}

	tasks, err := c.deps.Tasks.Tasks(ctx)
	if err != nil {
		if fault.KindOf(err) == fault.KindStoreIO {
			// The run cannot be planned without its task list.
			return nil, fault.New(fault.KindInvalidConfig, "lookup", c.cfg.RunID, err)
		}
		return nil, err
	}
	known := make(map[string]struct{}, len(c.cfg.Sources))
	for _, s := range c.cfg.Sources {
		known[s.SourceID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if !manifest.ValidID(t.ID) {
			return nil, fault.New(fault.KindInvalidConfig, "lookup", t.ID, fmt.Errorf("invalid task_id %q", t.ID))
		}
		if _, ok := known[t.SourceID]; !ok {
			return nil, fault.New(fault.KindInvalidConfig, "lookup", t.ID, fmt.Errorf("unknown source_id %q", t.SourceID))
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fault.New(fault.KindInvalidConfig, "lookup", t.ID, errors.New("duplicate task_id"))
		}
		seen[t.ID] = struct{}{}
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.KindCanceled, "run", c.cfg.RunID, err)
	}
	return tasks, nil
}

// ingest runs one cycle for every source whose copy succeeded. The others
// are blocked.
func (c *Controller) ingest(ctx context.Context, pool *dispatch.Pool, copied []report.WorkUnitResult) ([]report.WorkUnitResult, error) {
	results := make([]report.WorkUnitResult, len(c.cfg.Sources))
	var (
		jobs   []dispatch.Job
		jobIdx []int
	)
	for i, src := range c.cfg.Sources {
		results[i] = report.NewPending(src.SourceID, report.PhaseIngest)
		if copied[i].Status != report.StatusSucceeded {
			results[i].Block(c.now(), "copy did not succeed")
			c.record(results[i])
			continue
		}
		stream, err := StreamFor(src)
		if err != nil {
			results[i].Start(c.now())
			results[i].Finish(c.now(), err)
			c.record(results[i])
			continue
		}
		jobs = append(jobs, dispatch.Job{
			ID:    src.SourceID,
			Phase: report.PhaseIngest,
			Run: func(ctx context.Context, r *report.WorkUnitResult) error {
				return c.deps.Ingest.Process(ctx, stream, r)
			},
		})
		jobIdx = append(jobIdx, i)
	}
	out, err := pool.Run(ctx, jobs)
	for k, i := range jobIdx {
		results[i] = out[k]
	}
	return results, err
}

// transform runs tasks whose source ingested cleanly, on a pool sized for
// transforms.
func (c *Controller) transform(ctx context.Context, tasks []transform.Task, ingested []report.WorkUnitResult) ([]report.WorkUnitResult, error) {
	status := make(map[string]report.Status, len(ingested))
	for _, r := range ingested {
		status[r.UnitID] = r.Status
	}

	pool := dispatch.NewPool(c.cfg.TransformConcurrency,
		dispatch.WithLogger(c.log),
		dispatch.WithDetector(c.deps.Detector),
		dispatch.WithObserver(c.record))

	results := make([]report.WorkUnitResult, len(tasks))
	var (
		jobs   []dispatch.Job
		jobIdx []int
	)
	for i, t := range tasks {
		results[i] = report.NewPending(t.ID, report.PhaseTransform)
		if status[t.SourceID] != report.StatusSucceeded {
			results[i].Block(c.now(), fmt.Sprintf("source %s was not ingested", t.SourceID))
			c.record(results[i])
			continue
		}
		jobs = append(jobs, dispatch.Job{
			ID:    t.ID,
			Phase: report.PhaseTransform,
			Run: func(ctx context.Context, r *report.WorkUnitResult) error {
				return c.deps.Transform.Process(ctx, t, r)
			},
		})
		jobIdx = append(jobIdx, i)
	}
	out, err := pool.Run(ctx, jobs)
	for k, i := range jobIdx {
		results[i] = out[k]
	}
	return results, err
}

// stageErr turns a pool halt or a run cancellation into the error that
// fails the run.
func (c *Controller) stageErr(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return fault.New(fault.KindCanceled, "run", c.cfg.RunID, cerr)
	}
	return nil
}

// fail moves the run to Failed. Units of stages that never ran are recorded
// as Skipped so the report stays complete.
func (c *Controller) fail(ctx context.Context, err error, ingestUnits []manifest.SourceConfig, tasks []transform.Task) (*report.Report, error) {
	reason := "run failed: " + fault.Code(err)
	for _, s := range ingestUnits {
		r := report.NewPending(s.SourceID, report.PhaseIngest)
		r.Skip(c.now(), reason)
		c.record(r)
	}
	for _, t := range tasks {
		r := report.NewPending(t.ID, report.PhaseTransform)
		r.Skip(c.now(), reason)
		c.record(r)
	}

	c.mu.Lock()
	c.state.FailedIn = c.state.Stage
	c.state.ErrorCode = fault.Code(err)
	c.state.Error = err.Error()
	c.mu.Unlock()

	rec := &output.ErrorRecord{
		Code:    fault.Code(err),
		Message: err.Error(),
		Stage:   string(c.State().FailedIn),
	}
	var mm *fault.MissingMarkerError
	if errors.As(err, &mm) {
		rec.Details = map[string]any{"missing": mm.Missing}
	}
	var sys *fault.SystemicConnectivityError
	if errors.As(err, &sys) {
		rec.Details = map[string]any{"units": sys.Units, "failures": sys.Failures}
	}
	c.writeErr(c.deps.Writer.WriteError(ctx, rec))
	c.log.Error("run failed", zap.String("stage", string(c.State().FailedIn)), zap.Error(err))

	c.transition(ctx, report.StageFailed)
	rep := c.buildReport()
	c.writeErr(c.deps.Writer.WriteSummary(ctx, output.NewSummaryRecord(rep)))
	return rep, err
}

// finish applies the tolerance to a run that went through every stage.
func (c *Controller) finish(ctx context.Context) (*report.Report, error) {
	counts := report.Count(c.Results())
	if !c.cfg.Tolerance.Accept(counts) {
		c.mu.Lock()
		c.state.FailedIn = c.state.Stage
		c.state.ErrorCode = CodeToleranceExceeded
		c.state.Error = fmt.Sprintf("%v: %s under %s", ErrToleranceExceeded, counts, c.cfg.Tolerance)
		c.mu.Unlock()
		c.transition(ctx, report.StageFailed)
		rep := c.buildReport()
		c.writeErr(c.deps.Writer.WriteSummary(ctx, output.NewSummaryRecord(rep)))
		c.log.Warn("run rejected by tolerance", zap.String("counts", counts.String()))
		return rep, fmt.Errorf("%w: %s", ErrToleranceExceeded, counts)
	}

	c.transition(ctx, report.StageDone)
	rep := c.buildReport()
	c.writeErr(c.deps.Writer.WriteSummary(ctx, output.NewSummaryRecord(rep)))
	c.log.Info("run finished", zap.String("summary", rep.Summary()))
	return rep, nil
}

func (c *Controller) buildReport() *report.Report {
	results := c.Results()
	counts := report.Count(results)
	return &report.Report{
		State:     c.State(),
		Tolerance: c.cfg.Tolerance,
		Counts:    counts,
		Accepted:  c.State().Stage == report.StageDone,
		Results:   results,
	}
}

func (c *Controller) transition(ctx context.Context, to report.Stage) {
	c.mu.Lock()
	from := c.state.Stage
	if !report.CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error("illegal stage transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	c.state.Stage = to
	if to.Terminal() {
		c.state.FinishedAt = c.now()
	}
	c.mu.Unlock()

	c.log.Debug("stage", zap.String("stage", string(to)))
	c.emitState(ctx)
}

func (c *Controller) emitState(ctx context.Context) {
	st := c.State()
	c.writeErr(c.deps.Writer.WriteRunState(ctx, &st))
	c.mu.RLock()
	fns := c.onStage
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

// record upserts a live result and notifies observers.
func (c *Controller) record(r report.WorkUnitResult) {
	key := resultKey{phase: r.Phase, id: r.UnitID}
	c.mu.Lock()
	if i, ok := c.index[key]; ok {
		c.results[i] = r
	} else {
		c.index[key] = len(c.results)
		c.results = append(c.results, r)
	}
	fns := c.onResult
	c.mu.Unlock()

	c.writeErr(c.deps.Writer.WriteUnitResult(context.Background(), &r))
	for _, fn := range fns {
		fn(r)
	}
}

// settle replaces a phase's live results with the final list in
// configuration order.
func (c *Controller) settle(phase report.Phase, final []report.WorkUnitResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.results[:0:0]
	for _, r := range c.results {
		if r.Phase != phase {
			kept = append(kept, r)
		}
	}
	kept = append(kept, final...)
	c.results = kept
	c.index = make(map[resultKey]int, len(kept))
	for i, r := range kept {
		c.index[resultKey{phase: r.Phase, id: r.UnitID}] = i
	}
}

func (c *Controller) writeErr(err error) {
	if err != nil && !errors.Is(err, output.ErrWriterClosed) {
		c.log.Warn("output write failed", zap.Error(err))
	}
}
