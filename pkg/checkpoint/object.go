package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/provider"
)

// ObjectStore keeps one JSON object per stream under a prefix in the lake.
// Swaps use conditional writes, so the provider must implement
// provider.ConditionalPutter.
type ObjectStore struct {
	client *objstore.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*ObjectStore)(nil)

// NewObjectStore stores records under prefix (default "_checkpoints/").
func NewObjectStore(client *objstore.Client, prefix string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("checkpoint: object store client is required")
	}
	if _, ok := client.Provider().(provider.ConditionalPutter); !ok {
		return nil, fmt.Errorf("checkpoint: provider does not support conditional writes: %w", provider.ErrUnsupported)
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "_checkpoints/"
	}
	return &ObjectStore{client: client, prefix: objstore.Dir(prefix), now: time.Now}, nil
}

func (s *ObjectStore) key(streamID string) string {
	return s.prefix + url.PathEscape(streamID) + ".json"
}

func (s *ObjectStore) Close() error { return nil }

func (s *ObjectStore) Get(ctx context.Context, streamID string) (*Record, error) {
	rec, _, err := s.read(ctx, streamID)
	return rec, err
}

func (s *ObjectStore) read(ctx context.Context, streamID string) (*Record, string, error) {
	body, etag, err := s.client.ReadVersioned(ctx, s.key(streamID))
	if provider.IsNotFound(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read checkpoint %s: %w", streamID, err)
	}
	rec, err := decode(streamID, 0, body)
	if err != nil {
		return nil, "", err
	}
	return rec, etag, nil
}

// CompareAndSwap re-reads the current object, checks its version and then
// writes with If-Match on the ETag it read. A concurrent writer between the
// two steps makes the write fail with a precondition error, reported as a
// version conflict.
func (s *ObjectStore) CompareAndSwap(ctx context.Context, next *Record, expected int64) (*Record, error) {
	rec, err := prepare(next, expected, s.now())
	if err != nil {
		return nil, err
	}
	body, err := encode(rec)
	if err != nil {
		return nil, err
	}
	key := s.key(rec.StreamID)

	if expected == 0 {
		_, err := s.client.CreateVersioned(ctx, key, body)
		if provider.IsPreconditionFailed(err) {
			return nil, conflict(rec.StreamID, expected)
		}
		if err != nil {
			return nil, fmt.Errorf("write checkpoint %s: %w", rec.StreamID, err)
		}
		return rec, nil
	}

	current, etag, err := s.read(ctx, rec.StreamID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Version != expected {
		return nil, conflict(rec.StreamID, expected)
	}
	if _, err := s.client.WriteIfMatch(ctx, key, body, etag); err != nil {
		if provider.IsPreconditionFailed(err) {
			return nil, conflict(rec.StreamID, expected)
		}
		return nil, fmt.Errorf("write checkpoint %s: %w", rec.StreamID, err)
	}
	return rec, nil
}

func (s *ObjectStore) List(ctx context.Context) ([]Record, []error, error) {
	entries, err := s.client.List(ctx, s.prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var (
		out     []Record
		corrupt []error
	)
	for _, e := range entries {
		name := strings.TrimSuffix(strings.TrimPrefix(e.Key, s.prefix), ".json")
		if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(e.Key, ".json") {
			continue
		}
		id, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		rec, err := s.Get(ctx, id)
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, corrupt, nil
}
