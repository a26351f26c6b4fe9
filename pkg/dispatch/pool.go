// Package dispatch schedules independent units of work with bounded
// concurrency and collects one result per unit, in input order.
//
// A unit's failure, error or panic becomes a Failed result and never aborts
// its siblings. A fatal failure (see fault.Kind.Fatal) or a tripped systemic
// detector halts the pool: no new units start, in-flight units finish, and
// the rest are recorded as Skipped. Cancelling ctx behaves the same way.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/report"
)

// Job is one schedulable unit. Run may record metrics and attempts on the
// result it is handed; status and timestamps are owned by the pool.
type Job struct {
	ID    string
	Phase report.Phase
	Run   func(ctx context.Context, r *report.WorkUnitResult) error
}

// Pool runs jobs with at most Limit in flight.
type Pool struct {
	limit    int
	log      *zap.Logger
	now      func() time.Time
	detector *fault.Detector
	observe  func(report.WorkUnitResult)
}

type Option func(*Pool)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithDetector feeds every unit error into d and halts once it trips.
func WithDetector(d *fault.Detector) Option {
	return func(p *Pool) { p.detector = d }
}

// WithObserver is called on every status change. Calls may come from
// several goroutines at once.
func WithObserver(fn func(report.WorkUnitResult)) Option {
	return func(p *Pool) { p.observe = fn }
}

func withClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool returns a pool. A limit below 1 means 1.
func NewPool(limit int, opts ...Option) *Pool {
	p := &Pool{limit: max(limit, 1), log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Limit is the configured concurrency bound.
func (p *Pool) Limit() int { return p.limit }

// Run executes jobs and returns exactly len(jobs) results in input order. The
// error is the fatal failure that halted the pool, if any.
func (p *Pool) Run(ctx context.Context, jobs []Job) ([]report.WorkUnitResult, error) {
	results := make([]report.WorkUnitResult, len(jobs))
	for i, j := range jobs {
		results[i] = report.NewPending(j.ID, j.Phase)
	}

	var (
		sem  = semaphore.NewWeighted(int64(p.limit))
		wg   sync.WaitGroup
		mu   sync.Mutex
		halt error
	)
	halted := func() error {
		mu.Lock()
		defer mu.Unlock()
		if halt == nil {
			halt = p.detector.Err()
		}
		return halt
	}
	setHalt := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if halt == nil {
			halt = err
		}
	}

	next := 0
	for ; next < len(jobs); next++ {
		if halted() != nil || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// Halt may have been raised while we waited for a slot.
		if halted() != nil {
			sem.Release(1)
			break
		}

		i := next
		r := &results[i]
		r.Start(p.now())
		p.emit(*r)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			err := p.runOne(ctx, jobs[i], r)
			r.Finish(p.now(), err)
			if err != nil {
				p.log.Warn("unit failed",
					zap.String("unit_id", r.UnitID),
					zap.String("phase", string(r.Phase)),
					zap.String("code", r.ErrorCode),
					zap.Error(err))
				p.detector.Observe(r.UnitID, err)
				if fault.KindOf(err).Fatal() {
					setHalt(err)
				}
			}
			p.emit(*r)
		}()
	}
	wg.Wait()

	reason := "canceled"
	haltErr := halted()
	if haltErr != nil {
		reason = "halted: " + fault.Code(haltErr)
	}
	for i := next; i < len(jobs); i++ {
		results[i].Skip(p.now(), reason)
		p.emit(results[i])
	}
	return results, haltErr
}

func (p *Pool) runOne(ctx context.Context, j Job, r *report.WorkUnitResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("unit panicked", zap.String("unit_id", j.ID), zap.ByteString("stack", debug.Stack()))
			err = fault.New(fault.KindInternal, "panic", j.ID, fmt.Errorf("%v", rec))
		}
	}()
	if j.Run == nil {
		return fault.New(fault.KindInternal, "run", j.ID, fmt.Errorf("no work function"))
	}
	return j.Run(ctx, r)
}

func (p *Pool) emit(r report.WorkUnitResult) {
	if p.observe != nil {
		p.observe(r)
	}
}
