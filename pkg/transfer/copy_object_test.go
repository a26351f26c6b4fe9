package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/provider/memory"
)

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func readTwice(t *testing.T, buf *replayBuffer) (string, string) {
	t.Helper()
	first, err := io.ReadAll(buf)
	require.NoError(t, err)
	_, err = buf.Seek(0, io.SeekStart)
	require.NoError(t, err)
	second, err := io.ReadAll(buf)
	require.NoError(t, err)
	return string(first), string(second)
}

func TestStage_InMemory(t *testing.T) {
	src := &trackedBody{Reader: bytes.NewReader([]byte(`{"id":1}`))}
	buf, err := stage(context.Background(), src, 8, 1024)
	require.NoError(t, err)
	defer func() { require.NoError(t, buf.Close()) }()

	assert.True(t, src.closed)
	assert.Nil(t, buf.file)
	assert.Equal(t, int64(8), buf.size)

	first, second := readTwice(t, buf)
	assert.Equal(t, `{"id":1}`, first)
	assert.Equal(t, first, second)
}

func TestStage_SpoolsLargeObjects(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1024)
	buf, err := stage(context.Background(), io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), 16)
	require.NoError(t, err)
	require.NotNil(t, buf.file)
	name := buf.file.Name()

	first, second := readTwice(t, buf)
	assert.Len(t, first, len(payload))
	assert.Equal(t, first, second)

	require.NoError(t, buf.Close())
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err), "spool file is removed on close")
}

func TestStage_UnknownSizeSpoolsAndMeasures(t *testing.T) {
	buf, err := stage(context.Background(), io.NopCloser(bytes.NewReader([]byte("abc"))), -1, 1024)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	assert.NotNil(t, buf.file)
	assert.Equal(t, int64(3), buf.size)
}

func TestStage_CanceledContextClosesSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &trackedBody{Reader: bytes.NewReader([]byte("abc"))}
	_, err := stage(ctx, src, 3, 1024)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, src.closed)
}

func TestCopyObject(t *testing.T) {
	mem := memory.New()
	mem.Seed("exports/orders/day1.jsonl", []byte("{\"id\":1}\n{\"id\":2}\n"))
	client := objstore.New(mem)
	ctx := context.Background()

	t.Run("lands the body", func(t *testing.T) {
		n, err := CopyObject(ctx, client, client, "exports/orders/day1.jsonl", "landing/orders/day1.jsonl", 18, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(18), n)

		got, ok := mem.Bytes("landing/orders/day1.jsonl")
		require.True(t, ok)
		assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n", string(got))
	})

	t.Run("listed size changed", func(t *testing.T) {
		_, err := CopyObject(ctx, client, client, "exports/orders/day1.jsonl", "landing/orders/other.jsonl", 5, 0)
		var mismatch *SizeMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, int64(5), mismatch.Expected)
		assert.Equal(t, int64(18), mismatch.Got)
		assert.Empty(t, mem.Keys("landing/orders/other"))
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := CopyObject(ctx, client, client, "exports/orders/gone.jsonl", "landing/orders/gone.jsonl", 0, 0)
		require.Error(t, err)
	})
}
