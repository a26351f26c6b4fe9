package transform

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/pkg/dispatch"
	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/ingest"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/retry"
)

// Orchestrator applies tasks. Input for a task is its source's cleansed
// stream, narrowed to committed batches when WithInputs is set; output is a
// prefix owned by the task.
type Orchestrator struct {
	registry    *Registry
	cleansed    string
	transformed string
	concurrency int
	policy      retry.Policy
	log         *zap.Logger
	detector    *fault.Detector
	observe     func(report.WorkUnitResult)
	inputs      InputResolver
}

// InputResolver lists the committed cleansed objects of a source.
type InputResolver func(ctx context.Context, sourceID string) ([]string, error)

type OrchestratorOption func(*Orchestrator)

func WithLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithRetryPolicy(p retry.Policy) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = p }
}

func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithDetector(d *fault.Detector) OrchestratorOption {
	return func(o *Orchestrator) { o.detector = d }
}

func WithObserver(fn func(report.WorkUnitResult)) OrchestratorOption {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithInputs pins each task's input to the objects fn returns instead of
// everything under the source's cleansed prefix.
func WithInputs(fn InputResolver) OrchestratorOption {
	return func(o *Orchestrator) { o.inputs = fn }
}

func NewOrchestrator(registry *Registry, cleansedPrefix, transformedPrefix string, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		cleansed:    cleansedPrefix,
		transformed: transformedPrefix,
		concurrency: 1,
		policy:      retry.DefaultPolicy(),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OutputPrefix is where task id writes.
func (o *Orchestrator) OutputPrefix(taskID string) string {
	return objstore.Dir(objstore.Join(o.transformed, taskID))
}

// InputPrefix is the cleansed stream a source's tasks read.
func (o *Orchestrator) InputPrefix(sourceID string) string {
	return ingest.StreamPrefix(o.cleansed, sourceID)
}

// RunTasks runs every task and returns one result per task in task order.
// A failing task never stops the others. The error is set only when the
// pool halted.
func (o *Orchestrator) RunTasks(ctx context.Context, tasks []Task) ([]report.WorkUnitResult, error) {
	pool := dispatch.NewPool(o.concurrency,
		dispatch.WithLogger(o.log),
		dispatch.WithDetector(o.detector),
		dispatch.WithObserver(o.observe))

	jobs := make([]dispatch.Job, len(tasks))
	for i, t := range tasks {
		jobs[i] = dispatch.Job{
			ID:    t.ID,
			Phase: report.PhaseTransform,
			Run: func(ctx context.Context, r *report.WorkUnitResult) error {
				return o.Process(ctx, t, r)
			},
		}
	}
	return pool.Run(ctx, jobs)
}

// Process runs one task and records attempts and the record count on r.
func (o *Orchestrator) Process(ctx context.Context, t Task, r *report.WorkUnitResult) error {
	log := o.log.With(zap.String("task_id", t.ID), zap.String("source_id", t.SourceID))

	routine, ok := o.registry.Lookup(t.Routine)
	if !ok {
		return fault.Transform(t.ID, fmt.Errorf("unknown routine %q", t.Routine))
	}
	if err := t.Parameters.Validate(); err != nil {
		return fault.Transform(t.ID, fault.Permanent(err))
	}

	input := Ref{Prefix: o.InputPrefix(t.SourceID)}
	output := Ref{Prefix: o.OutputPrefix(t.ID)}

	var n int64
	attempts, err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		if o.inputs != nil {
			keys, ierr := o.inputs(ctx, t.SourceID)
			if ierr != nil {
				return ierr
			}
			input.Keys = keys
		}
		var aerr error
		n, aerr = routine.Apply(ctx, t.Parameters, input, output)
		return aerr
	})
	r.Attempts = attempts
	if err != nil {
		log.Warn("transform task failed", zap.Int("attempt", attempts), zap.Error(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Kind == fault.KindTransform {
			return err
		}
		// Connectivity keeps its kind so the detector can see it.
		if fault.IsConnectivity(err) {
			return err
		}
		return fault.Transform(t.ID, err)
	}
	r.SetMetric("records", n)
	log.Debug("transform task succeeded", zap.Int64("records", n), zap.String("output", output.Prefix))
	return nil
}
