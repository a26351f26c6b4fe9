package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/report"
)

// WorkFunc executes one unit. It is the injected copy or ingest function.
type WorkFunc[N Node] func(ctx context.Context, unit N, r *report.WorkUnitResult) error

// Dispatch runs units tier by tier on p and returns one result per unit in
// input order. A unit whose dependencies did not all succeed is Skipped
// without running. A halt in one tier skips every later tier.
func Dispatch[N Node](ctx context.Context, p *Pool, phase report.Phase, units []N, fn WorkFunc[N]) ([]report.WorkUnitResult, error) {
	tiers, err := Tiers(units)
	if err != nil {
		return nil, err
	}

	results := make([]report.WorkUnitResult, len(units))
	done := make(map[string]report.Status, len(units))

	var haltErr error
	for _, tier := range tiers {
		var (
			jobs    []Job
			jobIdx  []int
			skipped []int
		)
		for _, i := range tier {
			u := units[i]
			if haltErr != nil {
				skipped = append(skipped, i)
				results[i] = report.NewPending(u.UnitID(), phase)
				results[i].Skip(p.now(), "halted: "+fault.Code(haltErr))
				continue
			}
			if blocked := blockedBy(u, done); len(blocked) > 0 {
				skipped = append(skipped, i)
				results[i] = report.NewPending(u.UnitID(), phase)
				results[i].Block(p.now(), fmt.Sprintf("upstream did not succeed: %s", strings.Join(blocked, ", ")))
				continue
			}
			jobs = append(jobs, Job{
				ID:    u.UnitID(),
				Phase: phase,
				Run: func(ctx context.Context, r *report.WorkUnitResult) error {
					return fn(ctx, u, r)
				},
			})
			jobIdx = append(jobIdx, i)
		}
		for _, i := range skipped {
			done[units[i].UnitID()] = report.StatusSkipped
			p.emit(results[i])
		}

		if len(jobs) == 0 {
			continue
		}
		out, err := p.Run(ctx, jobs)
		for k, i := range jobIdx {
			results[i] = out[k]
			done[units[i].UnitID()] = out[k].Status
		}
		if err != nil && haltErr == nil {
			haltErr = err
		}
	}
	return results, haltErr
}

func blockedBy[N Node](u N, done map[string]report.Status) []string {
	var blocked []string
	for _, dep := range u.Dependencies() {
		if done[dep] != report.StatusSucceeded {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}
