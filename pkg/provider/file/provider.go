// Package file implements a local directory-tree provider.
//
// Keys map to slash-separated paths below a base directory. Writes go through
// a temp file and rename so readers never see partial objects. ETags are the
// hex MD5 of the file content, matching what S3 reports for single-part puts.
package file

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/3leaps/lakeflow/pkg/provider"
)

// Provider implements provider.Provider for local filesystem paths.
type Provider struct {
	baseDir string

	// Conditional writes are check-then-rename; serialise them per key.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectGetter      = (*Provider)(nil)
	_ provider.ObjectPutter      = (*Provider)(nil)
	_ provider.ObjectDeleter     = (*Provider)(nil)
	_ provider.ConditionalPutter = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Provider{baseDir: base, locks: make(map[string]*sync.Mutex)}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := p.collectKeys(prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}

	end := min(start+maxKeys, len(keys))

	objects := make([]provider.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		sum, err := p.summary(k)
		if err != nil {
			continue
		}
		objects = append(objects, *sum)
	}

	res := &provider.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum, err := p.summary(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{ObjectSummary: *sum}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, provider.ErrNotFound)
	}
	return f, st.Size(), nil
}

func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, err := p.PutObjectIf(ctx, key, body, contentLength, provider.WriteCondition{})
	return err
}

func (p *Provider) PutObjectIf(ctx context.Context, key string, body io.Reader, contentLength int64, cond provider.WriteCondition) (string, error) {
	_ = contentLength
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return "", p.wrapError("PutObject", key, err)
	}

	unlock := p.lockKey(full)
	defer unlock()

	if cond.IfNoneMatch || cond.IfMatchETag != "" {
		current, err := fileETag(full)
		switch {
		case err != nil && !os.IsNotExist(err):
			return "", p.wrapError("PutObjectIf", key, err)
		case cond.IfNoneMatch && err == nil:
			return "", p.wrapError("PutObjectIf", key, provider.ErrPreconditionFailed)
		case cond.IfMatchETag != "" && (err != nil || current != cond.IfMatchETag):
			return "", p.wrapError("PutObjectIf", key, provider.ErrPreconditionFailed)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".lakeflow-put-*")
	if err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	unlock := p.lockKey(full)
	defer unlock()
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func (p *Provider) lockKey(full string) func() {
	p.locksMu.Lock()
	mu, ok := p.locks[full]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[full] = mu
	}
	p.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (p *Provider) summary(key string) (*provider.ObjectSummary, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, provider.ErrNotFound
	}
	etag, err := fileETag(full)
	if err != nil {
		return nil, err
	}
	return &provider.ObjectSummary{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		ETag:         etag,
		LastModified: st.ModTime(),
	}, nil
}

func fileETag(full string) (string, error) {
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

// collectKeys walks the deepest directory fully contained in prefix and keeps
// keys that start with prefix, so partial segments ("logs/2024-0") behave
// like object store prefixes.
func (p *Provider) collectKeys(prefix string) ([]string, error) {
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[:i+1]
		} else {
			dir = ""
		}
	}
	root, err := p.fullPath(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".lakeflow-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}

// ReadAll is a small helper for tests and callers that want bytes.
func ReadAll(ctx context.Context, p *Provider, key string) ([]byte, error) {
	rc, _, err := p.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	return buf.Bytes(), err
}
