package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/match"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/provider"
	"github.com/3leaps/lakeflow/pkg/provider/memory"
	"github.com/3leaps/lakeflow/pkg/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newUnit(t *testing.T, prefix string, excludes ...string) Unit {
	t.Helper()
	sel, err := match.New(match.Config{Prefix: prefix, Excludes: excludes})
	require.NoError(t, err)
	return Unit{SourceID: "orders", DestinationPrefix: "landing/orders", Partition: "2024-01", Selector: sel}
}

func TestCopier_LandsSelectedObjects(t *testing.T) {
	mem := memory.New()
	mem.Seed("raw/orders/a.jsonl", []byte(`{"id":1}`))
	mem.Seed("raw/orders/sub/b.jsonl", []byte(`{"id":2}`))
	mem.Seed("raw/orders/skip.tmp", []byte("x"))
	mem.Seed("raw/orders/.hidden", []byte("x"))
	mem.Seed("raw/other/c.jsonl", []byte(`{"id":3}`))

	client := objstore.New(mem)
	c, err := New(client, client, Config{}, WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	sum, err := c.Copy(context.Background(), newUnit(t, "raw/orders", "*.tmp"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Listed)
	assert.Equal(t, int64(2), sum.Matched)
	assert.Equal(t, int64(2), sum.Copied)
	assert.Equal(t, int64(16), sum.Bytes)

	assert.Equal(t, []string{
		"landing/orders/2024-01/a.jsonl",
		"landing/orders/2024-01/sub/b.jsonl",
	}, mem.Keys("landing/"))
}

func TestCopier_SecondRunSkips(t *testing.T) {
	mem := memory.New()
	mem.Seed("raw/orders/a.jsonl", []byte(`{"id":1}`))
	client := objstore.New(mem)
	c, err := New(client, client, Config{})
	require.NoError(t, err)

	unit := newUnit(t, "raw/orders")
	_, err = c.Copy(context.Background(), unit)
	require.NoError(t, err)

	sum, err := c.Copy(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.Copied)
	assert.Equal(t, int64(1), sum.Skipped)
}

func TestCopier_OnExists(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantErr  bool
		wantBody string
	}{
		{name: "skip recopies changed content", cfg: Config{OnExists: OnExistsSkip}, wantBody: "new"},
		{name: "dedup by key keeps old content", cfg: Config{OnExists: OnExistsSkip, Dedup: DedupKey}, wantBody: "old"},
		{name: "overwrite", cfg: Config{OnExists: OnExistsOverwrite}, wantBody: "new"},
		{name: "fail", cfg: Config{OnExists: OnExistsFail}, wantErr: true, wantBody: "old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			mem.Seed("raw/orders/a.txt", []byte("new"))
			mem.Seed("landing/orders/2024-01/a.txt", []byte("old"))
			client := objstore.New(mem)

			c, err := New(client, client, tt.cfg, WithRetryPolicy(fastPolicy()))
			require.NoError(t, err)
			_, err = c.Copy(context.Background(), newUnit(t, "raw/orders"))
			if tt.wantErr {
				require.Error(t, err)
				var exists *ExistsError
				assert.True(t, errors.As(err, &exists))
			} else {
				require.NoError(t, err)
			}

			got, ok := mem.Bytes("landing/orders/2024-01/a.txt")
			require.True(t, ok)
			assert.Equal(t, tt.wantBody, string(got))
		})
	}
}

func TestCopier_MoveDeletesSource(t *testing.T) {
	mem := memory.New()
	mem.Seed("raw/orders/a.txt", []byte("x"))
	client := objstore.New(mem)

	c, err := New(client, client, Config{Mode: ModeMove})
	require.NoError(t, err)
	_, err = c.Copy(context.Background(), newUnit(t, "raw/orders"))
	require.NoError(t, err)

	_, ok := mem.Bytes("raw/orders/a.txt")
	assert.False(t, ok)
	_, ok = mem.Bytes("landing/orders/2024-01/a.txt")
	assert.True(t, ok)
}

func TestCopier_RetriesTransientPutFailure(t *testing.T) {
	mem := memory.New()
	mem.Seed("raw/orders/a.txt", []byte("x"))

	var calls atomic.Int32
	mem.SetFault(func(op, key string) error {
		if op == "PutObject" && calls.Add(1) == 1 {
			return provider.ErrProviderUnavailable
		}
		return nil
	})

	client := objstore.New(mem)
	c, err := New(client, client, Config{}, WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	sum, err := c.Copy(context.Background(), newUnit(t, "raw/orders"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Copied)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCopier_ListFailureIsStoreIO(t *testing.T) {
	mem := memory.New()
	mem.SetFault(func(op, key string) error {
		if op == "List" {
			return provider.ErrAccessDenied
		}
		return nil
	})
	client := objstore.New(mem)
	c, err := New(client, client, Config{}, WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	_, err = c.Copy(context.Background(), newUnit(t, "raw/orders"))
	require.Error(t, err)
	assert.Equal(t, fault.KindStoreIO, fault.KindOf(err))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	client := objstore.New(memory.New())
	for _, cfg := range []Config{
		{OnExists: "maybe"},
		{Dedup: "sha"},
		{Mode: "rename"},
		{PathTemplate: "{bogus}"},
	} {
		_, err := New(client, client, cfg)
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidConfig, fault.KindOf(err))
	}
}
