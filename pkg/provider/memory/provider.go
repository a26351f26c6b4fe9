// Package memory implements an in-process provider with full capabilities.
//
// It backs unit tests and dry runs. Faults can be injected per operation to
// exercise retry and systemic-failure paths.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/lakeflow/pkg/provider"
)

type object struct {
	data     []byte
	etag     string
	modified time.Time
}

// FaultFunc decides whether an operation on key should fail. Returning nil
// lets the operation proceed.
type FaultFunc func(op, key string) error

// Provider is a goroutine-safe map-backed object store.
type Provider struct {
	mu      sync.RWMutex
	objects map[string]object
	fault   FaultFunc
	now     func() time.Time
}

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectGetter      = (*Provider)(nil)
	_ provider.ObjectPutter      = (*Provider)(nil)
	_ provider.ObjectDeleter     = (*Provider)(nil)
	_ provider.ConditionalPutter = (*Provider)(nil)
)

func New() *Provider {
	return &Provider{objects: make(map[string]object), now: time.Now}
}

// SetFault installs (or clears with nil) a fault injector.
func (p *Provider) SetFault(f FaultFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = f
}

// Seed stores data without going through fault injection.
func (p *Provider) Seed(key string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = p.newObject(data)
}

// Bytes returns a copy of the stored object, if present.
func (p *Provider) Bytes(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Keys returns all stored keys with the given prefix, sorted.
func (p *Provider) Keys(prefix string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var keys []string
	for k := range p.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if err := p.check(ctx, "List", opts.Prefix); err != nil {
		return nil, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []string
	for k := range p.objects {
		if strings.HasPrefix(k, opts.Prefix) && k > opts.ContinuationToken {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := &provider.ListResult{}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
		res.ContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		obj := p.objects[k]
		res.Objects = append(res.Objects, provider.ObjectSummary{
			Key: k, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified,
		})
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := p.check(ctx, "Head", key); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[key]
	if !ok {
		return nil, notFound("Head", key)
	}
	return &provider.ObjectMeta{ObjectSummary: provider.ObjectSummary{
		Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified,
	}}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := p.check(ctx, "GetObject", key); err != nil {
		return nil, 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[key]
	if !ok {
		return nil, 0, notFound("GetObject", key)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), int64(len(obj.data)), nil
}

func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, err := p.PutObjectIf(ctx, key, body, contentLength, provider.WriteCondition{})
	return err
}

func (p *Provider) PutObjectIf(ctx context.Context, key string, body io.Reader, contentLength int64, cond provider.WriteCondition) (string, error) {
	_ = contentLength
	if err := p.check(ctx, "PutObject", key); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderMemory, Key: key, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	current, exists := p.objects[key]
	if cond.IfNoneMatch && exists {
		return "", &provider.ProviderError{Op: "PutObjectIf", Provider: provider.ProviderMemory, Key: key, Err: provider.ErrPreconditionFailed}
	}
	if cond.IfMatchETag != "" && (!exists || current.etag != cond.IfMatchETag) {
		return "", &provider.ProviderError{Op: "PutObjectIf", Provider: provider.ProviderMemory, Key: key, Err: provider.ErrPreconditionFailed}
	}
	obj := p.newObject(data)
	p.objects[key] = obj
	return obj.etag, nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := p.check(ctx, "DeleteObject", key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, key)
	return nil
}

func (p *Provider) check(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	f := p.fault
	p.mu.RUnlock()
	if f == nil {
		return nil
	}
	if err := f(op, key); err != nil {
		return &provider.ProviderError{Op: op, Provider: provider.ProviderMemory, Key: key, Err: err}
	}
	return nil
}

func (p *Provider) newObject(data []byte) object {
	sum := md5.Sum(data)
	return object{data: bytes.Clone(data), etag: hex.EncodeToString(sum[:]), modified: p.now()}
}

func notFound(op, key string) error {
	return &provider.ProviderError{Op: op, Provider: provider.ProviderMemory, Key: key, Err: provider.ErrNotFound}
}
