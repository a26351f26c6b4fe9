package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/lakeflow/pkg/sqlstore"
)

// SQLiteStore keeps checkpoints in a local SQLite (or libsql) database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the checkpoint database at path.
func OpenSQLite(ctx context.Context, cfg sqlstore.Config) (*SQLiteStore, error) {
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			stream_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init checkpoint schema: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO checkpoint_meta (id, schema_version, created_at) VALUES (1, ?, ?);`, schemaVersion, now); err != nil {
		return fmt.Errorf("init checkpoint schema meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, streamID string) (*Record, error) {
	var (
		version int64
		body    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, body FROM checkpoints WHERE stream_id = ?`, streamID).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", streamID, err)
	}
	return decode(streamID, version, []byte(body))
}

// CompareAndSwap relies on the row's version column: inserts only succeed
// when no row exists, updates only when the version still matches.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, next *Record, expected int64) (*Record, error) {
	rec, err := prepare(next, expected, s.now())
	if err != nil {
		return nil, err
	}
	body, err := encode(rec)
	if err != nil {
		return nil, err
	}
	updated := rec.UpdatedAt.Format(time.RFC3339Nano)

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (stream_id, version, body, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(stream_id) DO NOTHING
		`, rec.StreamID, rec.Version, string(body), updated)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE checkpoints SET version = ?, body = ?, updated_at = ?
			WHERE stream_id = ? AND version = ?
		`, rec.Version, string(body), updated, rec.StreamID, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("write checkpoint %s: %w", rec.StreamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("write checkpoint %s: %w", rec.StreamID, err)
	}
	if n == 0 {
		return nil, conflict(rec.StreamID, expected)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, []error, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id, version, body FROM checkpoints ORDER BY stream_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

const schemaVersion = 1
