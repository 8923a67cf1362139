// Package resultstore keeps a history of test runs in SQLite.
package resultstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"

	"github.com/cryguy/pagetap"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	plan        TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	total       INTEGER NOT NULL DEFAULT 0,
	passed      INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS assertions (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	n           INTEGER NOT NULL,
	ok          INTEGER NOT NULL,
	description TEXT NOT NULL,
	PRIMARY KEY (run_id, n)
);`

// timeLayout is fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store is a SQLite database of runs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating results directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening results database %q: %w", path, err)
	}
	// A second connection to :memory: would be a different database.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating results schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run records one test run. It implements pagetap.ResultSink.
type Run struct {
	store *Store
	ID    string
}

var _ pagetap.ResultSink = (*Run)(nil)

// StartRun creates a run record for plan and returns its sink.
func (s *Store) StartRun(plan string) (*Run, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO runs (id, plan, started_at) VALUES (?, ?, ?)`,
		id, plan, s.now().UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	return &Run{store: s, ID: id}, nil
}

func (r *Run) RecordAssertion(a pagetap.Assertion) error {
	ok := 0
	if a.OK {
		ok = 1
	}
	_, err := r.store.db.Exec(`INSERT INTO assertions (run_id, n, ok, description) VALUES (?, ?, ?, ?)`,
		r.ID, a.N, ok, a.Description)
	if err != nil {
		return fmt.Errorf("recording assertion %d: %w", a.N, err)
	}
	return nil
}

func (r *Run) RecordFinish(t pagetap.Tally) error {
	res, err := r.store.db.Exec(`UPDATE runs SET finished_at = ?, total = ?, passed = ?, failed = ? WHERE id = ?`,
		r.store.now().UTC().Format(timeLayout), t.Total, t.Passed, t.Failed, r.ID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", r.ID, ErrRunNotFound)
	}
	return nil
}

// RunSummary is a row of the runs table.
type RunSummary struct {
	ID         string
	Plan       string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress or was cut short
	pagetap.Tally
}

// Runs returns up to limit runs, newest first.
func (s *Store) Runs(limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(`SELECT id, plan, started_at, finished_at, total, passed, failed
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Plan, &started, &finished, &r.Total, &r.Passed, &r.Failed); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.ID, err)
		}
		if finished.Valid {
			if r.FinishedAt, err = time.Parse(timeLayout, finished.String); err != nil {
				return nil, fmt.Errorf("run %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Assertions returns the assertions of a run in order.
func (s *Store) Assertions(runID string) ([]pagetap.Assertion, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}

	rows, err := s.db.Query(`SELECT n, ok, description FROM assertions WHERE run_id = ? ORDER BY n`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing assertions: %w", err)
	}
	defer rows.Close()

	var out []pagetap.Assertion
	for rows.Next() {
		var a pagetap.Assertion
		var ok int
		if err := rows.Scan(&a.N, &ok, &a.Description); err != nil {
			return nil, err
		}
		a.OK = ok != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
