// Package provider defines abstractions for object storage operations.
//
// Providers implement a small core surface (list, head, close). Reads, writes,
// deletes and conditional writes are optional capabilities discovered by type
// assertion. Authentication uses SDK default credential chains or static keys
// supplied by configuration; providers do not implement custom auth logic.
package provider

import (
	"context"
	"time"
)

// Provider abstracts object storage listing operations.
//
// Implementations should:
//   - Support pagination via continuation tokens
//   - Return keys in lexical order within a page
//   - Be safe for concurrent use
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	// Empty string starts from the beginning.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key (path) in the bucket.
	Key string

	Size int64

	// ETag identifies the object content. Drivers strip surrounding quotes.
	ETag string

	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	ObjectSummary

	ContentType string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage via the AWS SDK.
	ProviderS3 ProviderType = "s3"

	// ProviderMinio represents MinIO (or any S3-compatible endpoint) via minio-go.
	ProviderMinio ProviderType = "minio"

	// ProviderFile represents a local directory tree.
	ProviderFile ProviderType = "file"

	// ProviderMemory represents an in-process store used for tests and dry runs.
	ProviderMemory ProviderType = "memory"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
