// Package transfer lands source objects into the landing stage.
//
// A Copier is the copy function the dispatcher invokes once per source unit:
// it lists the unit's source prefix, keeps the objects its selector accepts,
// and streams each one under the destination prefix. Copies are idempotent;
// objects already landed with the same content are skipped.
package transfer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/match"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/provider"
	"github.com/3leaps/lakeflow/pkg/retry"
)

const (
	OnExistsSkip      = "skip"
	OnExistsOverwrite = "overwrite"
	OnExistsFail      = "fail"

	DedupETag = "etag"
	DedupSize = "size"
	DedupKey  = "key"
	DedupNone = "none"

	ModeCopy = "copy"
	ModeMove = "move"
)

type Config struct {
	// Concurrency bounds in-flight object copies within one unit.
	Concurrency int
	OnExists    string // skip | overwrite | fail
	Dedup       string // etag | size | key | none
	Mode        string // copy | move

	PathTemplate string

	// RetryBufferMaxMemoryBytes controls how large an object we buffer in memory to
	// make the PUT request body seekable for retries.
	// Larger objects are spooled to a temp file.
	RetryBufferMaxMemoryBytes int64
}

func DefaultConfig() Config {
	return Config{
		Concurrency:  8,
		OnExists:     OnExistsSkip,
		Dedup:        DedupETag,
		Mode:         ModeCopy,
		PathTemplate: DefaultPathTemplate,
	}
}

// Validate rejects unknown enum values and bad templates.
func (c Config) Validate() error {
	switch c.OnExists {
	case "", OnExistsSkip, OnExistsOverwrite, OnExistsFail:
	default:
		return fmt.Errorf("invalid on_exists %q", c.OnExists)
	}
	switch c.Dedup {
	case "", DedupETag, DedupSize, DedupKey, DedupNone:
	default:
		return fmt.Errorf("invalid dedup %q", c.Dedup)
	}
	switch c.Mode {
	case "", ModeCopy, ModeMove:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	_, err := CompilePathTemplate(c.PathTemplate)
	return err
}

// Unit is one source to land.
type Unit struct {
	SourceID          string
	DestinationPrefix string
	Partition         string
	// Selector carries the source prefix and include/exclude patterns.
	Selector *match.Selector
}

type Summary struct {
	Listed   int64
	Matched  int64
	Copied   int64
	Skipped  int64
	Bytes    int64
	Duration time.Duration
}

// Copier copies between two object stores, which may be the same client.
type Copier struct {
	src    *objstore.Client
	dst    *objstore.Client
	cfg    Config
	tpl    *PathTemplate
	policy retry.Policy
	log    *zap.Logger
}

type Option func(*Copier)

func WithLogger(l *zap.Logger) Option {
	return func(c *Copier) {
		if l != nil {
			c.log = l
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Copier) { c.policy = p }
}

// New builds a Copier. The path template is compiled eagerly.
func New(src, dst *objstore.Client, cfg Config, opts ...Option) (*Copier, error) {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.OnExists == "" {
		cfg.OnExists = def.OnExists
	}
	if cfg.Dedup == "" {
		cfg.Dedup = def.Dedup
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.RetryBufferMaxMemoryBytes == 0 {
		cfg.RetryBufferMaxMemoryBytes = DefaultRetryBufferMaxMemoryBytes
	}
	if err := cfg.Validate(); err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "transfer", "", err)
	}
	tpl, err := CompilePathTemplate(cfg.PathTemplate)
	if err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "transfer", "path_template", err)
	}

	c := &Copier{src: src, dst: dst, cfg: cfg, tpl: tpl, policy: retry.DefaultPolicy(), log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Copy lands every selected object of u. The first object that still fails
// after retries cancels the remaining copies and is returned.
func (c *Copier) Copy(ctx context.Context, u Unit) (*Summary, error) {
	if u.Selector == nil {
		return nil, fault.New(fault.KindInvalidConfig, "copy", u.SourceID, fmt.Errorf("missing selector"))
	}
	start := time.Now()
	var copied, skipped, bytes atomic.Int64

	prefix := u.Selector.Prefix()
	var entries []objstore.Entry
	_, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var lerr error
		entries, lerr = c.src.List(ctx, prefix)
		return fault.StoreIO("list", prefix, lerr)
	})
	if err != nil {
		return nil, err
	}

	sum := &Summary{Listed: int64(len(entries))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, obj := range entries {
		rel, ok := u.Selector.Rel(obj.Key)
		if !ok || !u.Selector.Match(obj.Key) {
			continue
		}
		sum.Matched++

		rendered, err := c.tpl.Apply(Vars{Key: obj.Key, Rel: rel, Partition: u.Partition, Source: u.SourceID})
		if err != nil {
			_ = g.Wait()
			return nil, fault.New(fault.KindInvalidConfig, "path_template", obj.Key, err)
		}
		dstKey := objstore.Join(u.DestinationPrefix, rendered)

		g.Go(func() error {
			attempts, err := retry.Do(gctx, c.policy, func(ctx context.Context) error {
				n, landed, err := c.copyOne(ctx, obj, dstKey)
				if err != nil {
					return err
				}
				if landed {
					copied.Add(1)
					bytes.Add(max(n, 0))
				} else {
					skipped.Add(1)
				}
				return nil
			})
			if err != nil {
				c.log.Warn("object copy failed",
					zap.String("unit_id", u.SourceID),
					zap.String("key", obj.Key),
					zap.Int("attempt", attempts),
					zap.Error(err))
			}
			return err
		})
	}
	err = g.Wait()

	sum.Copied = copied.Load()
	sum.Skipped = skipped.Load()
	sum.Bytes = bytes.Load()
	sum.Duration = time.Since(start)
	if err != nil {
		return sum, err
	}

	c.log.Debug("unit landed",
		zap.String("unit_id", u.SourceID),
		zap.Int64("matched", sum.Matched),
		zap.Int64("copied", sum.Copied),
		zap.Int64("skipped", sum.Skipped))
	return sum, nil
}

// copyOne lands one object. It reports whether bytes were written.
func (c *Copier) copyOne(ctx context.Context, obj objstore.Entry, dstKey string) (int64, bool, error) {
	if c.cfg.OnExists != OnExistsOverwrite {
		meta, err := c.dst.Head(ctx, dstKey)
		switch {
		case err == nil:
			if c.identical(obj, meta) {
				c.log.Debug("object already landed", zap.String("key", obj.Key), zap.String("target", dstKey))
				return 0, false, c.finish(ctx, obj.Key)
			}
			if c.cfg.OnExists == OnExistsFail {
				return 0, false, fault.Permanent(fault.StoreIO("copy", dstKey, &ExistsError{Key: dstKey}))
			}
		case !provider.IsNotFound(err):
			return 0, false, fault.StoreIO("head", dstKey, err)
		}
	}

	n, err := CopyObject(ctx, c.src, c.dst, obj.Key, dstKey, obj.Size, c.cfg.RetryBufferMaxMemoryBytes)
	if err != nil {
		return 0, false, fault.StoreIO("copy", obj.Key, err)
	}
	return n, true, c.finish(ctx, obj.Key)
}

func (c *Copier) identical(src objstore.Entry, dst *provider.ObjectMeta) bool {
	switch c.cfg.Dedup {
	case DedupKey:
		return true
	case DedupSize:
		return dst.Size == src.Size
	case DedupETag:
		return src.ETag != "" && dst.ETag == src.ETag
	default:
		return false
	}
}

func (c *Copier) finish(ctx context.Context, srcKey string) error {
	if c.cfg.Mode != ModeMove {
		return nil
	}
	return fault.StoreIO("delete", srcKey, c.src.Delete(ctx, srcKey))
}
