package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/provider"
)

func providerErr(sentinel error) error {
	return &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderMemory, Key: "k", Err: sentinel}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"missing marker", NewMissingMarkerError([]string{"seed/a"}), KindMissingMarker},
		{"drift", &SchemaDriftError{StreamID: "s"}, KindSchemaDrift},
		{"corruption", &CheckpointCorruptionError{StreamID: "s", Err: errors.New("bad json")}, KindCheckpointCorruption},
		{"systemic", &SystemicConnectivityError{}, KindSystemicConnectivity},
		{"wrapped kind", fmt.Errorf("ctx: %w", Transform("t1", errors.New("boom"))), KindTransform},
		{"provider error", providerErr(provider.ErrThrottled), KindStoreIO},
		{"canceled", fmt.Errorf("x: %w", context.Canceled), KindCanceled},
		{"unknown", errors.New("???"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(StoreIO("read", "k", providerErr(provider.ErrProviderUnavailable))))
	assert.True(t, Retryable(providerErr(provider.ErrThrottled)))
	assert.False(t, Retryable(providerErr(provider.ErrNotFound)))
	assert.False(t, Retryable(providerErr(provider.ErrPreconditionFailed)))
	assert.True(t, Retryable(Transform("t", errors.New("flaky"))))
	assert.False(t, Retryable(Transform("t", Permanent(errors.New("bad parameter")))))
	assert.False(t, Retryable(&SchemaDriftError{StreamID: "s"}))
	assert.False(t, Retryable(&CheckpointCorruptionError{StreamID: "s", Err: errors.New("x")}))
	assert.False(t, Retryable(StoreIO("read", "k", context.Canceled)))
	assert.False(t, Retryable(nil))
}

func TestKindFatal(t *testing.T) {
	assert.True(t, KindMissingMarker.Fatal())
	assert.True(t, KindSystemicConnectivity.Fatal())
	assert.False(t, KindSchemaDrift.Fatal())
	assert.False(t, KindStoreIO.Fatal())
}

func TestMissingMarkerError_SortsAndDedupes(t *testing.T) {
	err := NewMissingMarkerError([]string{"seed/b", "seed/a", "seed/b"})
	assert.Equal(t, []string{"seed/a", "seed/b"}, err.Missing)
	assert.Contains(t, err.Error(), "seed/a, seed/b")
}

func TestSchemaDriftError_Message(t *testing.T) {
	err := &SchemaDriftError{StreamID: "orders", Conflicts: []Conflict{{Column: "amount", Recorded: "float", Observed: "string", File: "a.jsonl"}}}
	assert.Equal(t, "schema drift in stream orders: amount: float -> string (a.jsonl)", err.Error())
}

func TestDetector(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDetector(3, time.Minute)
	d.now = func() time.Time { return now }

	unavailable := providerErr(provider.ErrProviderUnavailable)
	d.Observe("u1", unavailable)
	d.Observe("u1", unavailable)
	d.Observe("u2", errors.New("not connectivity"))
	d.Observe("u2", unavailable)
	assert.NoError(t, d.Err())

	now = now.Add(2 * time.Minute)
	d.Observe("u3", unavailable)
	assert.NoError(t, d.Err(), "old events fall out of the window")

	d.Observe("u4", unavailable)
	d.Observe("u5", unavailable)
	err := d.Err()
	require.Error(t, err)
	var sys *SystemicConnectivityError
	require.ErrorAs(t, err, &sys)
	assert.Equal(t, []string{"u3", "u4", "u5"}, sys.Units)
	assert.Equal(t, KindSystemicConnectivity, KindOf(err))
}

func TestDetector_DisabledAndNil(t *testing.T) {
	d := NewDetector(0, time.Minute)
	d.Observe("u", providerErr(provider.ErrProviderUnavailable))
	assert.NoError(t, d.Err())

	var nilDetector *Detector
	nilDetector.Observe("u", providerErr(provider.ErrProviderUnavailable))
	assert.NoError(t, nilDetector.Err())
}
