package cmd

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/3leaps/lakeflow/pkg/checkpoint"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/output"
	"github.com/3leaps/lakeflow/pkg/provider"
	"github.com/3leaps/lakeflow/pkg/provider/file"
	"github.com/3leaps/lakeflow/pkg/provider/memory"
	"github.com/3leaps/lakeflow/pkg/provider/minio"
	"github.com/3leaps/lakeflow/pkg/provider/s3"
	"github.com/3leaps/lakeflow/pkg/runregistry"
)

// stores holds the clients of one run. lake and source share a client
// when the manifest points both at the same store.
type stores struct {
	source *objstore.Client
	lake   *objstore.Client
	close  func()
}

// createProvider creates a storage provider from a connection block.
// Static credentials are read from the environment variables it names.
func createProvider(ctx context.Context, c manifest.ConnectionConfig) (provider.Provider, error) {
	switch c.Provider {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:          c.Bucket,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			Profile:         c.Profile,
			AccessKeyID:     envValue(c.AccessKeyEnv),
			SecretAccessKey: envValue(c.SecretKeyEnv),
			// S3-compatible services (moto, MinIO, etc.) require path-style
			// URLs behind a custom endpoint.
			ForcePathStyle: c.ForcePathStyle || c.Endpoint != "",
		})
	case "minio":
		return minio.New(minio.Config{
			Endpoint:        c.Endpoint,
			Bucket:          c.Bucket,
			Region:          c.Region,
			AccessKeyID:     envValue(c.AccessKeyEnv),
			SecretAccessKey: envValue(c.SecretKeyEnv),
			UseSSL:          c.UseSSL,
		})
	case "file":
		return file.New(file.Config{BaseDir: c.BaseDir})
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", c.Provider)
}

func envValue(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return os.Getenv(name)
}

func newClient(ctx context.Context, c manifest.ConnectionConfig) (*objstore.Client, provider.Provider, error) {
	p, err := createProvider(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	var opts []objstore.Option
	if c.RateLimit > 0 {
		opts = append(opts, objstore.WithRateLimit(c.RateLimit))
	}
	return objstore.New(p, opts...), p, nil
}

// openStores connects the source and lake stores of m.
func openStores(ctx context.Context, m *manifest.Manifest) (*stores, error) {
	src, srcP, err := newClient(ctx, m.SourceStore)
	if err != nil {
		return nil, fmt.Errorf("source store: %w", err)
	}
	s := &stores{source: src, lake: src, close: func() { _ = srcP.Close() }}
	if m.LakeStore == nil || reflect.DeepEqual(*m.LakeStore, m.SourceStore) {
		return s, nil
	}

	lake, lakeP, err := newClient(ctx, *m.LakeStore)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("lake store: %w", err)
	}
	s.lake = lake
	s.close = func() {
		_ = srcP.Close()
		_ = lakeP.Close()
	}
	return s, nil
}

// openCheckpoint opens the configured checkpoint backend. The Postgres
// DSN comes from the environment variable named by dsn_env.
func openCheckpoint(ctx context.Context, m *manifest.Manifest, lake *objstore.Client) (checkpoint.Store, error) {
	cfg := checkpoint.Config{
		Backend: checkpoint.Backend(m.Checkpoint.Backend),
		Path:    m.Checkpoint.Path,
		Table:   m.Checkpoint.Table,
		Prefix:  m.Checkpoint.Prefix,
	}
	if cfg.Backend == checkpoint.BackendPostgres {
		cfg.DSN = envValue(m.Checkpoint.DSNEnv)
		if cfg.DSN == "" {
			return nil, fmt.Errorf("checkpoint: environment variable %q is empty", m.Checkpoint.DSNEnv)
		}
	}
	return checkpoint.Open(ctx, cfg, lake)
}

// createWriter creates an output writer for a destination.
// Returns the writer, a cleanup function, and any error.
func createWriter(dest, runID string) (output.Writer, func(), error) {
	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

func storeIdentity(c *manifest.ConnectionConfig) *runregistry.StoreIdentity {
	if c == nil {
		return nil
	}
	id := &runregistry.StoreIdentity{
		Provider: c.Provider,
		Bucket:   c.Bucket,
		Region:   c.Region,
		Endpoint: c.Endpoint,
	}
	if c.Provider == "file" {
		id.Bucket = c.BaseDir
	}
	return id
}
