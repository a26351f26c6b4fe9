package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/3leaps/lakeflow/pkg/objstore"
)

// DefaultRetryBufferMaxMemoryBytes is the largest object buffered in memory
// before landing. Larger or unsized objects are spooled to a temp file.
const DefaultRetryBufferMaxMemoryBytes int64 = 16 << 20

// SizeMismatchError reports that a source object changed size between
// listing and reading. It narrows, but does not close, that race.
type SizeMismatchError struct {
	Key      string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("source size mismatch for %s: expected=%d got=%d", e.Key, e.Expected, e.Got)
}

// ExistsError is returned under on_exists=fail when the landing key already
// holds different content.
type ExistsError struct {
	Key string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("target exists: %s", e.Key)
}

// CopyObject lands one source object at dstKey and returns the bytes
// written.
//
// expectedSize, when positive, is the listed size; a read reporting another
// size fails with SizeMismatchError. The body is staged in a replay buffer
// so the store client may retry the PUT without reopening the source.
func CopyObject(ctx context.Context, src, dst *objstore.Client, srcKey, dstKey string, expectedSize int64, maxMemoryBytes int64) (int64, error) {
	body, size, err := src.Open(ctx, srcKey)
	if err != nil {
		return 0, err
	}
	if expectedSize > 0 && size >= 0 && expectedSize != size {
		_ = body.Close()
		return 0, &SizeMismatchError{Key: srcKey, Expected: expectedSize, Got: size}
	}

	buf, err := stage(ctx, body, size, maxMemoryBytes)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", srcKey, err)
	}
	defer func() { _ = buf.Close() }()

	if err := dst.PutStream(ctx, dstKey, buf, buf.size); err != nil {
		return 0, err
	}
	return buf.size, nil
}

// replayBuffer is a seekable copy of a source body.
type replayBuffer struct {
	io.ReadSeeker
	size int64
	file *os.File
}

// Close removes the spool file, if any.
func (b *replayBuffer) Close() error {
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	return errors.Join(b.file.Close(), os.Remove(name))
}

// stage drains src into a replayBuffer and always closes src. Objects of
// known size up to maxMemoryBytes stay in memory.
func stage(ctx context.Context, src io.ReadCloser, size, maxMemoryBytes int64) (*replayBuffer, error) {
	defer func() { _ = src.Close() }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultRetryBufferMaxMemoryBytes
	}

	if size >= 0 && size <= maxMemoryBytes {
		data, err := io.ReadAll(io.LimitReader(src, size))
		if err != nil {
			return nil, err
		}
		return &replayBuffer{ReadSeeker: bytes.NewReader(data), size: int64(len(data))}, nil
	}

	f, err := os.CreateTemp("", "lakeflow-landing-*")
	if err != nil {
		return nil, err
	}
	buf := &replayBuffer{ReadSeeker: f, file: f}
	n, err := io.Copy(f, src)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		return nil, errors.Join(err, buf.Close())
	}
	buf.size = n
	return buf, nil
}
