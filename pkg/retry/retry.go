// Package retry runs an operation with bounded exponential backoff.
//
// Only errors that fault.Retryable accepts are retried; anything else ends the
// loop on the first attempt.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/3leaps/lakeflow/pkg/fault"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean one attempt.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnRetry, when set, is called before sleeping ahead of attempt n+1.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy is used when a run configures nothing.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !fault.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	return attempts, err
}
