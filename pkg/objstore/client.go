// Package objstore is the object store contract the pipeline consumes.
//
// A Client wraps one provider.Provider and exposes whole-object reads and
// writes, full (multi-page) listings, existence checks and conditional
// writes. It holds no per-call state and is safe for concurrent use.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/3leaps/lakeflow/pkg/provider"
)

// WriteMode selects overwrite or create-if-absent semantics.
type WriteMode int

const (
	WriteOverwrite WriteMode = iota
	WriteCreateIfAbsent
)

func (m WriteMode) String() string {
	switch m {
	case WriteOverwrite:
		return "overwrite"
	case WriteCreateIfAbsent:
		return "create-if-absent"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// ErrExists is returned by WriteCreateIfAbsent when the key is taken.
var ErrExists = errors.New("object already exists")

// Entry is one listed object.
type Entry = provider.ObjectSummary

// Client is the shared object store handle.
type Client struct {
	p        provider.Provider
	limiter  *rate.Limiter
	pageSize int
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps store requests per second across all callers. Zero or
// negative disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			burst := max(int(rps), 1)
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithPageSize sets the List page size.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// New wraps p. The client does not own p; callers close the provider.
func New(p provider.Provider, opts ...Option) *Client {
	c := &Client{p: p, pageSize: 1000}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Provider exposes the underlying driver for capability checks.
func (c *Client) Provider() provider.Provider { return c.p }

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

// List returns every object under prefix, following continuation tokens,
// sorted by key.
func (c *Client) List(ctx context.Context, prefix string) ([]Entry, error) {
	var (
		out   []Entry
		token string
	)
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := c.p.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token, MaxKeys: c.pageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.IsTruncated || page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Read returns the full object body.
func (c *Client) Read(ctx context.Context, key string) ([]byte, error) {
	data, _, err := c.read(ctx, key, false)
	return data, err
}

// ReadVersioned returns the body and the ETag the body was read under. The
// ETag comes from a Head issued before the read; if the object changes in
// between, a later WriteIfMatch with that ETag fails rather than clobbering.
func (c *Client) ReadVersioned(ctx context.Context, key string) ([]byte, string, error) {
	return c.read(ctx, key, true)
}

func (c *Client) read(ctx context.Context, key string, versioned bool) ([]byte, string, error) {
	g, ok := c.p.(provider.ObjectGetter)
	if !ok {
		return nil, "", unsupported("Read", key)
	}
	var etag string
	if versioned {
		if err := c.wait(ctx); err != nil {
			return nil, "", err
		}
		meta, err := c.p.Head(ctx, key)
		if err != nil {
			return nil, "", err
		}
		etag = meta.ETag
	}
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	body, _, err := g.GetObject(ctx, key)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", &provider.ProviderError{Op: "Read", Key: key, Err: err}
	}
	return data, etag, nil
}

// Open streams an object. The caller closes the body. contentLength is -1
// when the driver does not know it.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	g, ok := c.p.(provider.ObjectGetter)
	if !ok {
		return nil, 0, unsupported("Open", key)
	}
	if err := c.wait(ctx); err != nil {
		return nil, 0, err
	}
	return g.GetObject(ctx, key)
}

// PutStream overwrites key with the contents of body.
func (c *Client) PutStream(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	putter, ok := c.p.(provider.ObjectPutter)
	if !ok {
		return unsupported("PutStream", key)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	return putter.PutObject(ctx, key, body, contentLength)
}

// Write stores data at key. Single-object writes are atomic in every
// supported provider.
func (c *Client) Write(ctx context.Context, key string, data []byte, mode WriteMode) error {
	switch mode {
	case WriteOverwrite:
		return c.PutStream(ctx, key, bytes.NewReader(data), int64(len(data)))
	case WriteCreateIfAbsent:
		_, err := c.putIf(ctx, key, data, provider.WriteCondition{IfNoneMatch: true})
		if provider.IsPreconditionFailed(err) {
			return fmt.Errorf("write %s: %w", key, ErrExists)
		}
		return err
	default:
		return fmt.Errorf("write %s: unknown mode %v", key, mode)
	}
}

// WriteIfMatch replaces key only if its current ETag equals etag. It returns
// the new ETag. A lost race yields provider.ErrPreconditionFailed.
func (c *Client) WriteIfMatch(ctx context.Context, key string, data []byte, etag string) (string, error) {
	if strings.TrimSpace(etag) == "" {
		return "", fmt.Errorf("write %s: empty etag", key)
	}
	return c.putIf(ctx, key, data, provider.WriteCondition{IfMatchETag: etag})
}

// CreateVersioned is WriteCreateIfAbsent that also returns the new ETag.
func (c *Client) CreateVersioned(ctx context.Context, key string, data []byte) (string, error) {
	return c.putIf(ctx, key, data, provider.WriteCondition{IfNoneMatch: true})
}

func (c *Client) putIf(ctx context.Context, key string, data []byte, cond provider.WriteCondition) (string, error) {
	cp, ok := c.p.(provider.ConditionalPutter)
	if !ok {
		return "", unsupported("PutObjectIf", key)
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return cp.PutObjectIf(ctx, key, bytes.NewReader(data), int64(len(data)), cond)
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if provider.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Head returns object metadata.
func (c *Client) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.p.Head(ctx, key)
}

// Delete removes key. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	d, ok := c.p.(provider.ObjectDeleter)
	if !ok {
		return unsupported("Delete", key)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := d.DeleteObject(ctx, key)
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

func unsupported(op, key string) error {
	return &provider.ProviderError{Op: op, Key: key, Err: provider.ErrUnsupported}
}

// Join builds an object key from prefix segments, collapsing duplicate
// slashes and stripping a leading one.
func Join(parts ...string) string {
	var segs []string
	for _, p := range parts {
		for _, s := range strings.Split(p, "/") {
			if s != "" {
				segs = append(segs, s)
			}
		}
	}
	return strings.Join(segs, "/")
}

// Dir normalises a prefix so it ends with exactly one slash. Empty stays
// empty.
func Dir(prefix string) string {
	p := Join(prefix)
	if p == "" {
		return ""
	}
	return p + "/"
}
