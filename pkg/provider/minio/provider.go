// Package minio implements the provider interface on top of minio-go for
// MinIO and other S3-compatible endpoints that are not reached through the
// AWS SDK.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3leaps/lakeflow/pkg/provider"
)

// Config configures a MinIO provider.
type Config struct {
	// Endpoint is a host:port or a full URL. An https scheme enables TLS.
	Endpoint string

	Bucket string
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL forces TLS when Endpoint carries no scheme.
	UseSSL bool

	// MaxKeys is the default page size for List. Zero means 1000.
	MaxKeys int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("minio config: endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("minio config: bucket is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("minio config: access key and secret key are required")
	}
	return nil
}

// Provider implements provider.Provider using minio-go.
type Provider struct {
	client  *minio.Client
	bucket  string
	maxKeys int
}

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectGetter      = (*Provider)(nil)
	_ provider.ObjectPutter      = (*Provider)(nil)
	_ provider.ObjectDeleter     = (*Provider)(nil)
	_ provider.ConditionalPutter = (*Provider)(nil)
)

// New creates a MinIO provider. No network call is made until first use.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderMinio, Bucket: cfg.Bucket, Err: err}
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	return &Provider{client: client, bucket: cfg.Bucket, maxKeys: maxKeys}, nil
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("minio config: invalid endpoint: %w", err)
	}
	return u.Host, u.Scheme == "https" || useSSL, nil
}

func (p *Provider) Close() error { return nil }

// List returns one page of objects. The continuation token is the last key of
// the previous page and maps onto ListObjects' StartAfter.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = p.maxKeys
	}

	// Stop the listing goroutine once the page is full.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := p.client.ListObjects(listCtx, p.bucket, minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  true,
		StartAfter: opts.ContinuationToken,
	})

	res := &provider.ListResult{}
	for obj := range ch {
		if obj.Err != nil {
			return nil, p.wrapError("List", opts.Prefix, obj.Err)
		}
		if len(res.Objects) == maxKeys {
			res.IsTruncated = true
			res.ContinuationToken = res.Objects[len(res.Objects)-1].Key
			break
		}
		res.Objects = append(res.Objects, provider.ObjectSummary{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         strings.Trim(obj.ETag, `"`),
			LastModified: obj.LastModified,
		})
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          key,
			Size:         info.Size,
			ETag:         strings.Trim(info.ETag, `"`),
			LastModified: info.LastModified,
		},
		ContentType: info.ContentType,
		Metadata:    info.UserMetadata,
	}, nil
}

// GetObject stats first so missing keys surface as ErrNotFound here rather
// than on the first Read.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return obj, info.Size, nil
}

func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, err := p.PutObjectIf(ctx, key, body, contentLength, provider.WriteCondition{})
	return err
}

func (p *Provider) PutObjectIf(ctx context.Context, key string, body io.Reader, contentLength int64, cond provider.WriteCondition) (string, error) {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if cond.IfNoneMatch {
		opts.SetMatchETagExcept("*")
	}
	if cond.IfMatchETag != "" {
		opts.SetMatchETag(cond.IfMatchETag)
	}
	info, err := p.client.PutObject(ctx, p.bucket, key, body, contentLength, opts)
	if err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	return strings.Trim(info.ETag, `"`), nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderMinio, Bucket: p.bucket, Key: key, Err: err}
	wrapped.Err = classify(err)
	return wrapped
}

// classify maps minio error responses onto provider sentinels. Unknown errors
// pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return provider.ErrNotFound
	case "NoSuchBucket":
		return provider.ErrBucketNotFound
	case "AccessDenied":
		return provider.ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return provider.ErrInvalidCredentials
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestLimitExceeded":
		return provider.ErrThrottled
	case "ServiceUnavailable", "InternalError", "XMinioServerNotInitialized":
		return provider.ErrProviderUnavailable
	case "PreconditionFailed", "ConditionalRequestConflict":
		return provider.ErrPreconditionFailed
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return provider.ErrNotFound
	case http.StatusPreconditionFailed:
		return provider.ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return provider.ErrThrottled
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return provider.ErrProviderUnavailable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "i/o timeout") {
		return provider.ErrProviderUnavailable
	}
	return err
}
