package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/pkg/checkpoint"
	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/ingest"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/output"
	"github.com/3leaps/lakeflow/pkg/pipeline"
	"github.com/3leaps/lakeflow/pkg/preflight"
	"github.com/3leaps/lakeflow/pkg/transfer"
	"github.com/3leaps/lakeflow/pkg/transform"
)

// runtime is a fully wired run and the resources it holds.
type runtime struct {
	ctrl   *pipeline.Controller
	stores *stores
	ckpt   checkpoint.Store
}

func (r *runtime) Close() {
	if r.ckpt != nil {
		_ = r.ckpt.Close()
	}
	if r.stores != nil {
		r.stores.close()
	}
}

// newRegistry returns the routines a run can reference.
func newRegistry(s *stores) *transform.Registry {
	reg := transform.NewRegistry()
	reg.Register(transform.StandardName, transform.NewStandard(s.lake))
	return reg
}

// taskLookup picks the manifest's inline tasks or its lookup object.
func taskLookup(m *manifest.Manifest, s *stores) transform.Lookup {
	if m.Transform.Lookup != nil {
		return transform.ObjectLookup{Client: s.lake, Key: m.Transform.Lookup.Key, Routine: m.Transform.Routine}
	}
	return transform.StaticLookup(m.Transform.Tasks)
}

// wire connects stores, the checkpoint backend and every stage of m into a
// controller for runID.
func wire(ctx context.Context, m *manifest.Manifest, runID string, w output.Writer, log *zap.Logger) (*runtime, error) {
	s, err := openStores(ctx, m)
	if err != nil {
		return nil, fault.New(fault.KindStoreIO, "connect", runID, err)
	}
	rt := &runtime{stores: s}

	ckpt, err := openCheckpoint(ctx, m, s.lake)
	if err != nil {
		rt.Close()
		return nil, fault.New(fault.KindStoreIO, "checkpoint", m.Checkpoint.Backend, err)
	}
	rt.ckpt = ckpt

	policy := m.Run.Retry.Policy()

	copier, err := transfer.New(s.source, s.lake, m.TransferConfig(),
		transfer.WithLogger(log), transfer.WithRetryPolicy(policy))
	if err != nil {
		rt.Close()
		return nil, fault.New(fault.KindInvalidConfig, "transfer", runID, err)
	}

	engine := ingest.New(s.lake, ckpt, ingest.Config{
		CleansedPrefix:   m.Lake.CleansedPrefix,
		MaxFilesPerBatch: m.Lake.MaxFilesPerBatch,
	}, ingest.WithLogger(log), ingest.WithRetryPolicy(policy))

	orch := transform.NewOrchestrator(newRegistry(s), m.Lake.CleansedPrefix, m.Lake.TransformedPrefix,
		transform.WithLogger(log), transform.WithRetryPolicy(policy),
		transform.WithInputs(engine.CommittedBatches))

	prefixes := make([]string, 0, len(m.Sources))
	for _, src := range m.Sources {
		prefixes = append(prefixes, src.SourcePrefix)
	}
	spec := preflight.Spec{Mode: preflight.Mode(m.Preflight.Mode), ProbePrefix: m.Preflight.ProbePrefix}

	deps := pipeline.Deps{
		Markers: preflight.NewValidator(s.source,
			preflight.WithLogger(log),
			preflight.WithRetryPolicy(policy),
			preflight.WithConcurrency(m.Run.Concurrency)),
		Preflight: func(ctx context.Context) (*output.PreflightRecord, error) {
			return preflight.Probe(ctx, s.source, s.lake, prefixes, spec)
		},
		Copy:      pipeline.CopyWith(copier),
		Ingest:    engine,
		Tasks:     taskLookup(m, s),
		Transform: orch,
		Writer:    w,
	}
	if m.Run.Systemic.Threshold > 0 {
		deps.Detector = fault.NewDetector(m.Run.Systemic.Threshold, m.Run.Systemic.WindowDuration())
	}

	ctrl, err := pipeline.New(pipeline.Config{
		RunID:                runID,
		Markers:              m.Markers,
		Sources:              m.Sources,
		Concurrency:          m.Run.Concurrency,
		TransformConcurrency: m.Transform.Concurrency,
		Tolerance:            m.Run.Tolerance,
	}, deps, pipeline.WithLogger(log))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.ctrl = ctrl
	return rt, nil
}

// applyPreflightOverride replaces the manifest preflight mode.
func applyPreflightOverride(m *manifest.Manifest, mode string) error {
	switch preflight.Mode(mode) {
	case "":
		return nil
	case preflight.ModePlanOnly, preflight.ModeReadSafe, preflight.ModeWriteProbe:
		m.Preflight.Mode = mode
		return nil
	}
	return fmt.Errorf("unsupported preflight mode: %s", mode)
}
