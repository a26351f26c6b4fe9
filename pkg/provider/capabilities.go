package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// ObjectPutter can create or overwrite objects. A single PutObject must be
// atomic: readers observe either the old content or the new content.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter can delete objects. Deleting a missing key is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectGetter can download objects as a stream.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// WriteCondition guards a conditional write.
//
// IfNoneMatch requires that no object exists at the key. IfMatchETag requires
// the current object to carry exactly that ETag. Setting neither makes the
// write unconditional.
type WriteCondition struct {
	IfNoneMatch bool
	IfMatchETag string
}

// ConditionalPutter can write an object only when a precondition holds.
//
// A failed precondition returns an error matching ErrPreconditionFailed. On
// success the new object's ETag is returned.
type ConditionalPutter interface {
	PutObjectIf(ctx context.Context, key string, body io.Reader, contentLength int64, cond WriteCondition) (etag string, err error)
}
