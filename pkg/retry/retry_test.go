package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/provider"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func flaky() error {
	return fault.StoreIO("read", "k", &provider.ProviderError{Op: "GetObject", Err: provider.ErrProviderUnavailable})
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return flaky()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var retries []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, wait time.Duration) { retries = append(retries, attempt) }

	attempts, err := Do(context.Background(), p, func(context.Context) error { return flaky() })
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, fault.KindStoreIO, fault.KindOf(err))
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	drift := &fault.SchemaDriftError{StreamID: "s"}
	attempts, err := Do(context.Background(), fastPolicy(5), func(context.Context) error { return drift })
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, drift))
}

func TestDo_ZeroAttemptsStillTriesOnce(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{}, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := Do(ctx, fastPolicy(3), func(context.Context) error { return nil })
	assert.Equal(t, 0, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}
