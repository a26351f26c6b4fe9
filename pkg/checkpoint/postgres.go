package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps checkpoints in a shared Postgres table so several
// lakeflow hosts can coordinate on the same streams.
type PostgresStore struct {
	db      *pgxpool.Pool
	table   string
	timeout time.Duration
	now     func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN string

	// Table defaults to lakeflow_checkpoints.
	Table string

	// Timeout bounds each statement. Zero means 10s.
	Timeout time.Duration
}

// OpenPostgres connects and creates the table if needed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("checkpoint: postgres dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "lakeflow_checkpoints"
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("checkpoint: invalid table name %q", table)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres checkpoint store: %w", err)
	}
	s := &PostgresStore{db: pool, table: pgx.Identifier{table}.Sanitize(), timeout: timeout, now: time.Now}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := pool.Ping(tctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres checkpoint store: %w", err)
	}
	if _, err := pool.Exec(tctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		stream_id  TEXT PRIMARY KEY,
		version    BIGINT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres checkpoint table: %w", err)
	}
	return s, nil
}

func validIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, streamID string) (*Record, error) {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		version int64
		body    string
	)
	err := s.db.QueryRow(tctx, `SELECT version, body FROM `+s.table+` WHERE stream_id = $1`, streamID).Scan(&version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", streamID, err)
	}
	return decode(streamID, version, []byte(body))
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, next *Record, expected int64) (*Record, error) {
	rec, err := prepare(next, expected, s.now())
	if err != nil {
		return nil, err
	}
	body, err := encode(rec)
	if err != nil {
		return nil, err
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows int64
	if expected == 0 {
		tag, err := s.db.Exec(tctx, `
			INSERT INTO `+s.table+` (stream_id, version, body, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (stream_id) DO NOTHING
		`, rec.StreamID, rec.Version, string(body), rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("write checkpoint %s: %w", rec.StreamID, err)
		}
		rows = tag.RowsAffected()
	} else {
		tag, err := s.db.Exec(tctx, `
			UPDATE `+s.table+` SET version = $1, body = $2, updated_at = $3
			WHERE stream_id = $4 AND version = $5
		`, rec.Version, string(body), rec.UpdatedAt, rec.StreamID, expected)
		if err != nil {
			return nil, fmt.Errorf("write checkpoint %s: %w", rec.StreamID, err)
		}
		rows = tag.RowsAffected()
	}
	if rows == 0 {
		return nil, conflict(rec.StreamID, expected)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, []error, error) {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.Query(tctx, `SELECT stream_id, version, body FROM `+s.table+` ORDER BY stream_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var (
		out     []Record
		corrupt []error
	)
	for rows.Next() {
		var (
			id      string
			version int64
			body    string
		)
		if err := rows.Scan(&id, &version, &body); err != nil {
			return nil, nil, fmt.Errorf("list checkpoints: %w", err)
		}
		rec, err := decode(id, version, []byte(body))
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		out = append(out, *rec)
	}
	return out, corrupt, rows.Err()
}
