package ingest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/checkpoint"
	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/match"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/provider/memory"
	"github.com/3leaps/lakeflow/pkg/records"
	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/retry"
	"github.com/3leaps/lakeflow/pkg/schema"
)

type harness struct {
	mem    *memory.Provider
	client *objstore.Client
	ckpt   checkpoint.Store
	engine *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mem := memory.New()
	client := objstore.New(mem)
	ckpt, err := checkpoint.NewObjectStore(client, "")
	require.NoError(t, err)
	return newHarnessWith(mem, client, ckpt, opts...)
}

func newHarnessWith(mem *memory.Provider, client *objstore.Client, ckpt checkpoint.Store, opts ...Option) *harness {
	opts = append([]Option{WithRetryPolicy(retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond})}, opts...)
	return &harness{
		mem:    mem,
		client: client,
		ckpt:   ckpt,
		engine: New(client, ckpt, Config{CleansedPrefix: "cleansed"}, opts...),
	}
}

func stream(t *testing.T, id string) Stream {
	t.Helper()
	sel, err := match.New(match.Config{Prefix: "landing/" + id})
	require.NoError(t, err)
	return Stream{ID: id, Selector: sel}
}

func (h *harness) batchRecords(t *testing.T, streamID string) []records.Record {
	t.Helper()
	var out []records.Record
	for _, key := range h.mem.Keys(StreamPrefix("cleansed", streamID)) {
		data, ok := h.mem.Bytes(key)
		require.True(t, ok)
		recs, err := records.Decode(records.FormatJSONL, data)
		require.NoError(t, err)
		out = append(out, recs...)
	}
	return out
}

func TestCycle_FirstBatchThenIdle(t *testing.T) {
	h := newHarness(t)
	h.mem.Seed("landing/orders/2024-01/a.jsonl", []byte(`{"id":1,"amount":2.5}`+"\n"+`{"id":2,"amount":3}`+"\n"))
	h.mem.Seed("landing/orders/2024-01/b.json", []byte(`[{"id":3,"amount":1.25}]`))
	ctx := context.Background()
	s := stream(t, "orders")

	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.False(t, out.Idle)
	assert.Equal(t, 2, out.Files)
	assert.Equal(t, int64(3), out.Records)
	assert.Equal(t, int64(1), out.Version)
	assert.Len(t, out.BatchID, 16)
	assert.Equal(t, "cleansed/orders/batch-"+out.BatchID+".jsonl", out.BatchKey)

	rows := h.batchRecords(t, "orders")
	require.Len(t, rows, 3)
	assert.Equal(t, "landing/orders/2024-01/a.jsonl", rows[0][ColumnSourceFile])
	assert.Equal(t, out.BatchID, rows[2][ColumnBatchID])

	rec, err := h.ckpt.Get(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Has("landing/orders/2024-01/a.jsonl"))
	assert.True(t, rec.Has("landing/orders/2024-01/b.json"))
	typ, ok := rec.Schema.Lookup("amount")
	require.True(t, ok)
	assert.Equal(t, schema.TypeFloat, typ)

	again, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.True(t, again.Idle)
	assert.Equal(t, int64(1), again.Version)
	assert.Len(t, h.batchRecords(t, "orders"), 3)
}

func TestCycle_NewFilesAppendNewBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`))
	_, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)

	h.mem.Seed("landing/orders/b.jsonl", []byte(`{"id":2,"note":"new column"}`))
	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Files)
	assert.Equal(t, int64(2), out.Version)

	assert.Len(t, h.batchRecords(t, "orders"), 2)
	rec, err := h.ckpt.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Batches)
	assert.Equal(t, []string{"id", "note"}, rec.Schema.Names())
}

// failingSwap loses the first n swaps, as if the process died between the
// data write and the checkpoint advance.
type failingSwap struct {
	checkpoint.Store
	remaining atomic.Int32
}

func (f *failingSwap) CompareAndSwap(ctx context.Context, next *checkpoint.Record, expected int64) (*checkpoint.Record, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, errors.New("crashed before commit")
	}
	return f.Store.CompareAndSwap(ctx, next, expected)
}

func TestCycle_ReplayAfterCrashIsExactlyOnce(t *testing.T) {
	mem := memory.New()
	client := objstore.New(mem)
	inner, err := checkpoint.NewObjectStore(client, "")
	require.NoError(t, err)
	flaky := &failingSwap{Store: inner}
	flaky.remaining.Store(1)
	h := newHarnessWith(mem, client, flaky)
	ctx := context.Background()
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`+"\n"+`{"id":2}`))
	_, err = h.engine.Cycle(ctx, s)
	require.Error(t, err)
	first := h.batchRecords(t, "orders")
	require.Len(t, first, 2, "data written before the failed commit")

	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Recovered, "same file set rewrites the same batch")
	assert.Equal(t, first, h.batchRecords(t, "orders"))
	assert.Len(t, h.mem.Keys("cleansed/"), 1)
}

func TestCycle_ReplayWithNewArrivalsDropsStaleBatch(t *testing.T) {
	mem := memory.New()
	client := objstore.New(mem)
	inner, err := checkpoint.NewObjectStore(client, "")
	require.NoError(t, err)
	flaky := &failingSwap{Store: inner}
	flaky.remaining.Store(1)
	h := newHarnessWith(mem, client, flaky)
	ctx := context.Background()
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`))
	_, err = h.engine.Cycle(ctx, s)
	require.Error(t, err)

	h.mem.Seed("landing/orders/b.jsonl", []byte(`{"id":2}`))
	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Recovered)
	assert.Equal(t, 2, out.Files)

	rows := h.batchRecords(t, "orders")
	assert.Len(t, rows, 2)
	assert.Len(t, h.mem.Keys("cleansed/"), 1)
}

func TestCycle_SchemaDriftFailsStreamOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1,"amount":2.5}`))
	_, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)

	h.mem.Seed("landing/orders/b.jsonl", []byte(`{"id":2,"amount":"lots"}`))
	_, err = h.engine.Cycle(ctx, s)
	require.Error(t, err)

	var drift *fault.SchemaDriftError
	require.True(t, errors.As(err, &drift))
	require.Len(t, drift.Conflicts, 1)
	assert.Equal(t, "amount", drift.Conflicts[0].Column)
	assert.Equal(t, "float", drift.Conflicts[0].Recorded)
	assert.Equal(t, "string", drift.Conflicts[0].Observed)
	assert.Equal(t, "landing/orders/b.jsonl", drift.Conflicts[0].File)
	assert.False(t, fault.Retryable(err))

	rec, err := h.ckpt.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.False(t, rec.Has("landing/orders/b.jsonl"))
}

func TestCycle_SchemaHintIsBaseline(t *testing.T) {
	h := newHarness(t)
	hint, err := schema.Parse("id:int,ts:timestamp")
	require.NoError(t, err)
	s := stream(t, "events")
	s.SchemaHint = hint

	h.mem.Seed("landing/events/a.jsonl", []byte(`{"id":"x"}`))
	_, err = h.engine.Cycle(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, fault.KindSchemaDrift, fault.KindOf(err))
}

func TestCycle_CorruptCheckpointIsDistinct(t *testing.T) {
	h := newHarness(t)
	h.mem.Seed("_checkpoints/orders.json", []byte("{not json"))
	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`))

	_, err := h.engine.Cycle(context.Background(), stream(t, "orders"))
	require.Error(t, err)
	assert.Equal(t, fault.KindCheckpointCorruption, fault.KindOf(err))
	assert.Empty(t, h.mem.Keys("cleansed/"))
}

func TestCycle_RelandedFileIsNotReingested(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`))
	_, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`+"\n"+`{"id":99}`))
	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.True(t, out.Idle)
	assert.Equal(t, 1, out.Relanded)
	assert.Len(t, h.batchRecords(t, "orders"), 1)
}

func TestCycle_UndecodableFile(t *testing.T) {
	h := newHarness(t)
	h.mem.Seed("landing/orders/a.jsonl", []byte("{oops"))

	_, err := h.engine.Cycle(context.Background(), stream(t, "orders"))
	require.Error(t, err)
	assert.Equal(t, fault.KindSchemaDrift, fault.KindOf(err))
}

func TestCycle_CSVAndMaxFiles(t *testing.T) {
	mem := memory.New()
	client := objstore.New(mem)
	ckpt, err := checkpoint.NewObjectStore(client, "")
	require.NoError(t, err)
	h := newHarnessWith(mem, client, ckpt)
	h.engine.cfg.MaxFilesPerBatch = 1

	h.mem.Seed("landing/customers/a.csv", []byte("id,name\n1,ann\n2,bob\n"))
	h.mem.Seed("landing/customers/b.csv", []byte("id,name\n3,cy\n"))
	s := stream(t, "customers")

	out, err := h.engine.Cycle(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Files)
	assert.Equal(t, int64(2), out.Records)

	out, err = h.engine.Cycle(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Files)
	assert.Len(t, h.batchRecords(t, "customers"), 3)
}

func TestIngest_SerialisesSameStream(t *testing.T) {
	h := newHarness(t)
	for _, k := range []string{"a", "b", "c"} {
		h.mem.Seed("landing/orders/"+k+".jsonl", []byte(`{"id":1}`))
	}
	s := stream(t, "orders")

	var wg sync.WaitGroup
	results := make([]report.WorkUnitResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.engine.Ingest(context.Background(), s)
		}()
	}
	wg.Wait()

	committed := 0
	for _, r := range results {
		require.Equal(t, report.StatusSucceeded, r.Status, r.ErrorDetail)
		if r.Metrics["files"] > 0 {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Len(t, h.batchRecords(t, "orders"), 3)
}

func TestIngestAll_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"amount":1.5}`))
	_, err := h.engine.Cycle(ctx, stream(t, "orders"))
	require.NoError(t, err)

	h.mem.Seed("landing/orders/b.jsonl", []byte(`{"amount":"n/a"}`))
	h.mem.Seed("landing/customers/a.jsonl", []byte(`{"id":1}`))
	h.mem.Seed("landing/products/a.jsonl", []byte(`{"sku":"x"}`))

	streams := []Stream{stream(t, "customers"), stream(t, "orders"), stream(t, "products")}
	results, err := h.engine.IngestAll(ctx, streams, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "customers", results[0].UnitID)
	assert.Equal(t, report.StatusSucceeded, results[0].Status)
	assert.Equal(t, report.StatusFailed, results[1].Status)
	assert.Equal(t, "SCHEMA_DRIFT", results[1].ErrorCode)
	assert.True(t, strings.Contains(results[1].ErrorDetail, "amount"))
	assert.Equal(t, report.StatusSucceeded, results[2].Status)
	assert.Equal(t, int64(1), results[2].Metrics["records"])
}

func TestBatchID_OrderIndependent(t *testing.T) {
	a := []objstore.Entry{{Key: "x", ETag: "1", Size: 3}, {Key: "y", ETag: "2", Size: 4}}
	b := []objstore.Entry{a[1], a[0]}
	assert.Equal(t, BatchID(a), BatchID(b))

	c := []objstore.Entry{{Key: "x", ETag: "changed", Size: 3}, a[1]}
	assert.NotEqual(t, BatchID(a), BatchID(c))

	id, ok := batchIDFromKey(BatchKey("cleansed", "orders", BatchID(a)))
	assert.True(t, ok)
	assert.Equal(t, BatchID(a), id)
	_, ok = batchIDFromKey("cleansed/orders/readme.txt")
	assert.False(t, ok)
}

func TestKeyedMutex_HonoursContext(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "t")
	require.NoError(t, err)
	other()
	unlock()
}

func TestCycle_IdleSweepsOrphanBatch(t *testing.T) {
	mem := memory.New()
	client := objstore.New(mem)
	inner, err := checkpoint.NewObjectStore(client, "")
	require.NoError(t, err)
	flaky := &failingSwap{Store: inner}
	flaky.remaining.Store(1)
	h := newHarnessWith(mem, client, flaky)
	ctx := context.Background()
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`))
	_, err = h.engine.Cycle(ctx, s)
	require.Error(t, err)
	require.Len(t, h.mem.Keys("cleansed/"), 1)

	require.NoError(t, h.client.Delete(ctx, "landing/orders/a.jsonl"))
	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.True(t, out.Idle)
	assert.Equal(t, 1, out.Recovered)
	assert.Empty(t, h.mem.Keys("cleansed/"))
}

func TestCommittedBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := stream(t, "orders")

	none, err := h.engine.CommittedBatches(ctx, "orders")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`))
	first, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	h.mem.Seed("landing/orders/b.jsonl", []byte(`{"id":2}`))
	h.mem.Seed("landing/orders/c.jsonl", []byte(`{"id":3}`))
	second, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)

	// An orphan next to committed batches is not listed.
	h.mem.Seed(BatchKey("cleansed", "orders", "ffffffffffffffff"), []byte(`{"id":9}`))

	keys, err := h.engine.CommittedBatches(ctx, "orders")
	require.NoError(t, err)
	want := []string{first.BatchKey, second.BatchKey}
	sort.Strings(want)
	assert.Equal(t, want, keys)
}

// cancelingSwap cancels the cycle's context just as the swap starts.
type cancelingSwap struct {
	checkpoint.Store
	cancel context.CancelFunc
}

func (c *cancelingSwap) CompareAndSwap(ctx context.Context, next *checkpoint.Record, expected int64) (*checkpoint.Record, error) {
	c.cancel()
	return c.Store.CompareAndSwap(ctx, next, expected)
}

func TestCycle_CancelDuringCommitStillCommits(t *testing.T) {
	mem := memory.New()
	client := objstore.New(mem)
	inner, err := checkpoint.NewObjectStore(client, "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarnessWith(mem, client, &cancelingSwap{Store: inner, cancel: cancel})
	s := stream(t, "orders")

	h.mem.Seed("landing/orders/a.jsonl", []byte(`{"id":1}`+"\n"+`{"id":2}`))
	out, err := h.engine.Cycle(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Version)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	rec, err := inner.Get(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
	assert.True(t, rec.Has("landing/orders/a.jsonl"))

	again, err := h.engine.Cycle(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, again.Idle)
	assert.Equal(t, int64(1), again.Version)
	assert.Len(t, h.batchRecords(t, "orders"), 2)
}
