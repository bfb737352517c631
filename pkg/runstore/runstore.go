// Package runstore records deconvolution runs and their per-iteration
// tracks in a SQLite database.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"libdeconv/pkg/deconv"
)

var ErrNotFound = errors.New("runstore: run not found")

const busyTimeoutMS = 5000

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	engine       TEXT NOT NULL,
	precision    TEXT NOT NULL,
	dims         TEXT NOT NULL,
	image        TEXT,
	psf          TEXT,
	output       TEXT,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP,
	iterations   INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL DEFAULT 'running',
	final_update REAL,
	error        TEXT
);
CREATE TABLE IF NOT EXISTS tracks (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	iteration    INTEGER NOT NULL,
	update_value REAL,
	object_max   REAL,
	likelihood   REAL,
	residual     REAL,
	PRIMARY KEY (run_id, iteration)
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Run describes one engine invocation
type Run struct {
	ID         string
	Engine     string
	Precision  string
	Dims       string
	Image      string
	PSF        string
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time

	Iterations  int
	State       string
	FinalUpdate float64
	Error       string
}

// Result is the outcome passed to Finish
type Result struct {
	Iterations int
	State      deconv.State
	Err        error
}

// Store is a run ledger backed by a single SQLite connection
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path with WAL journaling
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Begin inserts run in the running state and returns its new ID. A zero
// StartedAt is replaced by the current time.
func (s *Store) Begin(ctx context.Context, run Run) (string, error) {
	run.ID = uuid.NewString()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, engine, precision, dims, image, psf, output, started_at, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Engine, run.Precision, run.Dims, run.Image, run.PSF, run.Output,
		run.StartedAt.UTC(), deconv.Running.String())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return run.ID, nil
}

// Finish stores the outcome and the tracks of run id in one transaction
func (s *Store) Finish(ctx context.Context, id string, res Result, h deconv.History) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var final sql.NullFloat64
	if n := len(h.Update); n > 0 {
		final = sql.NullFloat64{Float64: h.Update[n-1], Valid: true}
	}
	var msg sql.NullString
	if res.Err != nil {
		msg = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	r, err := tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, iterations = ?, state = ?, final_update = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), res.Iterations, res.State.String(), final, msg, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO tracks (run_id, iteration, update_value, object_max, likelihood, residual)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare track insert: %w", err)
	}
	defer stmt.Close()

	at := func(s []float64, i int) sql.NullFloat64 {
		if i < len(s) {
			return sql.NullFloat64{Float64: s[i], Valid: true}
		}
		return sql.NullFloat64{}
	}
	n := max(len(h.Update), len(h.ObjectMax), len(h.Likelihood), len(h.Residual))
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, id, i+1,
			at(h.Update, i), at(h.ObjectMax, i), at(h.Likelihood, i), at(h.Residual, i)); err != nil {
			return fmt.Errorf("failed to insert track %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

const selectRun = `SELECT id, engine, precision, dims, image, psf, output, started_at, finished_at,
	iterations, state, final_update, error FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                  Run
		image, psf, output sql.NullString
		finished           sql.NullTime
		final              sql.NullFloat64
		msg                sql.NullString
	)
	err := sc.Scan(&r.ID, &r.Engine, &r.Precision, &r.Dims, &image, &psf, &output,
		&r.StartedAt, &finished, &r.Iterations, &r.State, &final, &msg)
	if err != nil {
		return r, err
	}
	r.Image, r.PSF, r.Output = image.String, psf.String, output.String
	r.FinishedAt = finished.Time
	r.FinalUpdate = final.Float64
	r.Error = msg.String
	return r, nil
}

// Get returns run id
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns up to limit runs, newest first. limit <= 0 lists all.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Tracks returns the stored history of run id
func (s *Store) Tracks(ctx context.Context, id string) (deconv.History, error) {
	var h deconv.History
	rows, err := s.db.QueryContext(ctx,
		`SELECT update_value, object_max, likelihood, residual FROM tracks WHERE run_id = ? ORDER BY iteration`, id)
	if err != nil {
		return h, fmt.Errorf("failed to read tracks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u, m, l, r sql.NullFloat64
		if err := rows.Scan(&u, &m, &l, &r); err != nil {
			return h, err
		}
		if u.Valid {
			h.Update = append(h.Update, u.Float64)
		}
		if m.Valid {
			h.ObjectMax = append(h.ObjectMax, m.Float64)
		}
		if l.Valid {
			h.Likelihood = append(h.Likelihood, l.Float64)
		}
		if r.Valid {
			h.Residual = append(h.Residual, r.Float64)
		}
	}
	return h, rows.Err()
}
