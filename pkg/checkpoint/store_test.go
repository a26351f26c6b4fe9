package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/provider/file"
	"github.com/3leaps/lakeflow/pkg/provider/memory"
	"github.com/3leaps/lakeflow/pkg/schema"
	"github.com/3leaps/lakeflow/pkg/sqlstore"
)

type backendCase struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backendCase {
	cases := []backendCase{
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), sqlstore.Config{Path: filepath.Join(t.TempDir(), "ck.db")})
			require.NoError(t, err)
			return s
		}},
		{name: "sqlite-memory", open: func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), sqlstore.Config{Path: ":memory:"})
			require.NoError(t, err)
			return s
		}},
		{name: "object-memory", open: func(t *testing.T) Store {
			s, err := NewObjectStore(objstore.New(memory.New()), "")
			require.NoError(t, err)
			return s
		}},
		{name: "object-file", open: func(t *testing.T) Store {
			p, err := file.New(file.Config{BaseDir: t.TempDir()})
			require.NoError(t, err)
			s, err := NewObjectStore(objstore.New(p), "state/checkpoints")
			require.NoError(t, err)
			return s
		}},
	}
	if dsn := os.Getenv("LAKEFLOW_TEST_POSTGRES_DSN"); dsn != "" {
		cases = append(cases, backendCase{name: "postgres", open: func(t *testing.T) Store {
			table := "ck_" + sanitize(t.Name())
			s, err := OpenPostgres(context.Background(), PostgresConfig{DSN: dsn, Table: table})
			require.NoError(t, err)
			t.Cleanup(func() { _, _ = s.db.Exec(context.Background(), `DROP TABLE IF EXISTS `+s.table) })
			return s
		}})
	}
	return cases
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 50 {
		out = out[len(out)-50:]
	}
	return string(out)
}

func sampleSchema() *schema.Schema {
	return &schema.Schema{Columns: []schema.Column{{Name: "id", Type: schema.TypeInt}}}
}

func TestStore_Contract(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			s := bc.open(t)
			defer func() { _ = s.Close() }()

			got, err := s.Get(ctx, "orders")
			require.NoError(t, err)
			assert.Nil(t, got, "absent stream returns nil")

			first := (*Record)(nil).Advance("orders", []FileMark{{Key: "landing/orders/b.jsonl", ETag: "e2", Size: 2, Batch: "x"}, {Key: "landing/orders/a.jsonl", ETag: "e1", Size: 1, Batch: "x"}}, 10, sampleSchema())
			stored, err := s.CompareAndSwap(ctx, first, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stored.Version)
			assert.False(t, stored.UpdatedAt.IsZero())

			_, err = s.CompareAndSwap(ctx, first, 0)
			assert.ErrorIs(t, err, ErrVersionConflict)
			assert.Equal(t, fault.KindCheckpointConflict, fault.KindOf(err))

			got, err = s.Get(ctx, "orders")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, int64(10), got.Records)
			assert.Equal(t, int64(1), got.Batches)
			assert.True(t, got.Has("landing/orders/a.jsonl"))
			assert.True(t, got.Has("landing/orders/b.jsonl"))
			assert.False(t, got.Has("landing/orders/c.jsonl"))
			assert.True(t, schema.Equal(sampleSchema(), got.Schema))

			second := got.Advance("orders", []FileMark{{Key: "landing/orders/c.jsonl", Size: 3, Batch: "y"}}, 5, got.Schema)
			stored, err = s.CompareAndSwap(ctx, second, got.Version)
			require.NoError(t, err)
			assert.Equal(t, int64(2), stored.Version)

			_, err = s.CompareAndSwap(ctx, second, got.Version)
			assert.ErrorIs(t, err, ErrVersionConflict, "stale version loses")

			other := (*Record)(nil).Advance("payments", nil, 0, nil)
			_, err = s.CompareAndSwap(ctx, other, 0)
			require.NoError(t, err)

			all, corrupt, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, corrupt)
			require.Len(t, all, 2)
			assert.Equal(t, "orders", all[0].StreamID)
			assert.Equal(t, int64(2), all[0].Version)
			assert.Equal(t, "payments", all[1].StreamID)
		})
	}
}

func TestStore_ConcurrentSwapsSerialize(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			s := bc.open(t)
			defer func() { _ = s.Close() }()

			const writers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			for i := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rec := (*Record)(nil).Advance("s", []FileMark{{Key: string(rune('a' + i))}}, 1, nil)
					if _, err := s.CompareAndSwap(ctx, rec, 0); err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
					} else {
						assert.True(t, errors.Is(err, ErrVersionConflict), "unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, winners)
		})
	}
}

func TestSQLite_CorruptRecordIsDistinct(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, sqlstore.Config{Path: filepath.Join(t.TempDir(), "ck.db")})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints (stream_id, version, body, updated_at) VALUES ('bad', 1, '{not json', '')`)
	require.NoError(t, err)

	_, err = s.Get(ctx, "bad")
	var corrupt *fault.CheckpointCorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, fault.KindCheckpointCorruption, fault.KindOf(err))

	_, bad, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, bad, 1)
}

func TestObjectStore_CorruptRecord(t *testing.T) {
	mem := memory.New()
	mem.Seed("_checkpoints/orders.json", []byte(`{"stream_id":"payments","version":1}`))
	s, err := NewObjectStore(objstore.New(mem), "")
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "orders")
	assert.Equal(t, fault.KindCheckpointCorruption, fault.KindOf(err))
}

func TestObjectStore_EscapesStreamIDs(t *testing.T) {
	mem := memory.New()
	s, err := NewObjectStore(objstore.New(mem), "ck")
	require.NoError(t, err)
	_, err = s.CompareAndSwap(context.Background(), (*Record)(nil).Advance("a/b c", nil, 0, nil), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ck/a%2Fb%20c.json"}, mem.Keys("ck/"))

	all, _, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a/b c", all[0].StreamID)
}

func TestRecord_AdvanceDoesNotAlias(t *testing.T) {
	base := (*Record)(nil).Advance("s", []FileMark{{Key: "a"}}, 1, sampleSchema())
	base.Version = 3
	next := base.Advance("s", []FileMark{{Key: "b"}}, 2, base.Schema)
	assert.Len(t, base.Files, 1)
	assert.Len(t, next.Files, 2)
	assert.Equal(t, int64(3), next.Records)
	assert.Equal(t, int64(2), next.Batches)
	assert.Equal(t, int64(3), next.Version)
	mark, ok := next.Mark("b")
	require.True(t, ok)
	assert.Equal(t, "b", mark.Key)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

func TestValidIdent(t *testing.T) {
	assert.True(t, validIdent("lakeflow_checkpoints"))
	assert.False(t, validIdent("1abc"))
	assert.False(t, validIdent("drop table;"))
	assert.False(t, validIdent(""))
}
