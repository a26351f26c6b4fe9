// Package preflight runs the checks that gate a pipeline run: seed markers
// must exist, and the stores must accept the operations the run needs.
//
// Nothing here mutates the landing, cleansed or transformed stages. The only
// write is the optional put-delete probe under a dedicated probe prefix.
package preflight

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/output"
	"github.com/3leaps/lakeflow/pkg/provider"
	"github.com/3leaps/lakeflow/pkg/retry"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// Capability names are stable strings used in JSONL output.
const (
	CapMarkerExists = "marker.exists"
	CapSourceList   = "source.list"
	CapSourceRead   = "source.read"
	CapTargetWrite  = "target.write"
)

// DefaultProbePrefix receives write probes.
const DefaultProbePrefix = "_lakeflow/probe/"

// Validator checks that seed markers exist before any unit is dispatched.
type Validator struct {
	store       *objstore.Client
	policy      retry.Policy
	concurrency int
	log         *zap.Logger
}

type Option func(*Validator)

func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.log = l
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(v *Validator) { v.policy = p }
}

// WithConcurrency bounds parallel existence checks.
func WithConcurrency(n int) Option {
	return func(v *Validator) { v.concurrency = max(n, 1) }
}

func NewValidator(store *objstore.Client, opts ...Option) *Validator {
	v := &Validator{store: store, policy: retry.DefaultPolicy(), concurrency: 8, log: zap.NewNop()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate checks every marker and reports all absent ones together in a
// *fault.MissingMarkerError. A marker whose existence cannot be determined
// fails validation with a store error after retries.
func (v *Validator) Validate(ctx context.Context, markers []string) (*output.PreflightRecord, error) {
	uniq := dedupe(markers)
	rec := &output.PreflightRecord{Mode: "markers", Markers: uniq, Results: make([]output.PreflightCheckResult, len(uniq))}

	var (
		mu      sync.Mutex
		missing []string
		ioErrs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, m := range uniq {
		g.Go(func() error {
			var present bool
			_, err := retry.Do(gctx, v.policy, func(ctx context.Context) error {
				var herr error
				present, herr = v.store.Exists(ctx, m)
				return fault.StoreIO("exists", m, herr)
			})

			res := output.PreflightCheckResult{Capability: CapMarkerExists, Method: fmt.Sprintf("Head(%q)", m)}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.ErrorCode = normalizeErrorCode(err)
				res.Detail = err.Error()
				ioErrs = append(ioErrs, err)
			case !present:
				res.ErrorCode = output.ErrCodeNotFound
				missing = append(missing, m)
			default:
				res.Allowed = true
			}
			rec.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return rec, err
	}
	if len(missing) > 0 {
		mm := fault.NewMissingMarkerError(missing)
		rec.Missing = mm.Missing
		v.log.Error("seed markers missing", zap.Strings("missing", mm.Missing))
		return rec, mm
	}
	if len(ioErrs) > 0 {
		sort.Slice(ioErrs, func(i, j int) bool { return ioErrs[i].Error() < ioErrs[j].Error() })
		return rec, ioErrs[0]
	}
	v.log.Debug("seed markers present", zap.Int("count", len(uniq)))
	return rec, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return output.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	case provider.IsProviderUnavailable(err):
		return output.ErrCodeUnavailable
	default:
		return output.ErrCodeInternal
	}
}
