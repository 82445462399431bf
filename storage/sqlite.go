package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS searches (
    id          TEXT PRIMARY KEY,
    job_counter INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    search_id  TEXT NOT NULL REFERENCES searches(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    input      TEXT,
    output     TEXT,
    metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_jobs_search ON jobs (search_id, seq);
`

const maxTxRetries = 3

type sqliteConfig struct {
	busyTimeout int
	mkdirAll    bool
	newID       func() string
}

// Option customises OpenSQLite.
type Option func(*sqliteConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *sqliteConfig) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *sqliteConfig) { c.mkdirAll = true } }

// WithIDGenerator sets the search identifier generator. Default: UUIDv7.
func WithIDGenerator(gen func() string) Option { return func(c *sqliteConfig) { c.newID = gen } }

// SQLite stores searches and jobs in an SQLite database. Inputs, outputs and
// metadata are stored as JSON, so numbers load back as float64.
type SQLite struct {
	db    *sql.DB
	newID func() string
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	cfg := sqliteConfig{
		busyTimeout: 10_000,
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if path == ":memory:" {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: schema: %w", err)
	}

	return &SQLite{db: db, newID: cfg.newID}, nil
}

func (s *SQLite) CreateSearch(ctx context.Context) (string, error) {
	id := s.newID()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO searches (id, created_at) VALUES (?, ?)`, id, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("storage: create search: %w", err)
	}

	return id, nil
}

func (s *SQLite) CreateJob(ctx context.Context, searchID string) (string, error) {
	var jobID string

	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT job_counter FROM searches WHERE id = ?`, searchID).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: search %q", ErrNotFound, searchID)
		}
		if err != nil {
			return err
		}

		jobID = JobID(searchID, n)

		if _, err := tx.ExecContext(ctx,
			`UPDATE searches SET job_counter = job_counter + 1 WHERE id = ?`, searchID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, search_id, seq) VALUES (?, ?, ?)`, jobID, searchID, n)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create job: %w", err)
	}

	return jobID, nil
}

func (s *SQLite) StoreJobIn(ctx context.Context, jobID string, in map[string]any) error {
	return s.storeColumn(ctx, jobID, "input", in)
}

func (s *SQLite) StoreJobOut(ctx context.Context, jobID string, out any) error {
	return s.storeColumn(ctx, jobID, "output", out)
}

func (s *SQLite) StoreJobMetadata(ctx context.Context, jobID, key string, value any) error {
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM jobs WHERE id = ?`, jobID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job %q", ErrNotFound, jobID)
		}
		if err != nil {
			return err
		}

		md := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return err
		}

		md[key] = value

		b, err := json.Marshal(md)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE jobs SET metadata = ? WHERE id = ?`, string(b), jobID)

		return err
	})
	if err != nil {
		return fmt.Errorf("storage: store metadata: %w", err)
	}

	return nil
}

func (s *SQLite) LoadSearchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM searches ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("storage: load searches: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *SQLite) LoadJobIDs(ctx context.Context, searchID string) ([]string, error) {
	if err := s.searchExists(ctx, searchID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE search_id = ? ORDER BY seq`, searchID)
	if err != nil {
		return nil, fmt.Errorf("storage: load jobs: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *SQLite) LoadJob(ctx context.Context, jobID string) (JobData, error) {
	var in, out sql.NullString
	var md string

	err := s.db.QueryRowContext(ctx,
		`SELECT input, output, metadata FROM jobs WHERE id = ?`, jobID).Scan(&in, &out, &md)
	if errors.Is(err, sql.ErrNoRows) {
		return JobData{}, fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}
	if err != nil {
		return JobData{}, fmt.Errorf("storage: load job: %w", err)
	}

	return decodeJob(in, out, md)
}

func (s *SQLite) LoadSearch(ctx context.Context, searchID string) (map[string]JobData, error) {
	if err := s.searchExists(ctx, searchID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input, output, metadata FROM jobs WHERE search_id = ? ORDER BY seq`, searchID)
	if err != nil {
		return nil, fmt.Errorf("storage: load search: %w", err)
	}
	defer rows.Close()

	out := make(map[string]JobData)

	for rows.Next() {
		var (
			id      string
			in, res sql.NullString
			md      string
		)

		if err := rows.Scan(&id, &in, &res, &md); err != nil {
			return nil, err
		}

		d, err := decodeJob(in, res, md)
		if err != nil {
			return nil, err
		}

		out[id] = d
	}

	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) storeColumn(ctx context.Context, jobID, column string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", column, err)
	}

	// column is one of two constants, never user input.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = ? WHERE id = ?`, string(b), jobID)
	if err != nil {
		return fmt.Errorf("storage: store %s: %w", column, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}

	return nil
}

func (s *SQLite) searchExists(ctx context.Context, searchID string) error {
	var one int

	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM searches WHERE id = ?`, searchID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: search %q", ErrNotFound, searchID)
	}

	return err
}

// runTx executes fn inside a transaction, retrying on SQLITE_BUSY.
func (s *SQLite) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error

	for i := 0; i < maxTxRetries; i++ {
		err = s.runOnce(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}

	return err
}

func (s *SQLite) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isBusy(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func decodeJob(in, out sql.NullString, md string) (JobData, error) {
	d := JobData{Metadata: make(map[string]any)}

	if in.Valid {
		if err := json.Unmarshal([]byte(in.String), &d.In); err != nil {
			return JobData{}, fmt.Errorf("storage: decode input: %w", err)
		}
	}

	if out.Valid {
		if err := json.Unmarshal([]byte(out.String), &d.Out); err != nil {
			return JobData{}, fmt.Errorf("storage: decode output: %w", err)
		}
	}

	if err := json.Unmarshal([]byte(md), &d.Metadata); err != nil {
		return JobData{}, fmt.Errorf("storage: decode metadata: %w", err)
	}

	return d, nil
}
