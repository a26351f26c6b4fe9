package checkpoint

import (
	"context"
	"fmt"

	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/sqlstore"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendObject   Backend = "object"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend

	// Path is the SQLite file (sqlite backend).
	Path string

	// DSN is the Postgres connection string (postgres backend).
	DSN   string
	Table string

	// Prefix is the key prefix for the object backend.
	Prefix string
}

// Open builds the configured Store. client is only used by the object
// backend.
func Open(ctx context.Context, cfg Config, client *objstore.Client) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		path := cfg.Path
		if path == "" {
			path = ".lakeflow/checkpoints.db"
		}
		return OpenSQLite(ctx, sqlstore.Config{Path: path})
	case BackendPostgres:
		return OpenPostgres(ctx, PostgresConfig{DSN: cfg.DSN, Table: cfg.Table})
	case BackendObject:
		return NewObjectStore(client, cfg.Prefix)
	}
	return nil, fmt.Errorf("checkpoint: unknown backend %q", cfg.Backend)
}
