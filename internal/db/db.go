// Package db handles SQLite state for Conveyor: recurrence records and run history
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cloud-shuttle/conveyor/internal/recurring"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// FileName is the database file created inside the state directory
const FileName = "conveyor.db"

// Store manages database operations
type Store struct {
	DB *sql.DB

	mu  sync.Mutex
	now func() time.Time
}

// Run is one recorded task run
type Run struct {
	ID         string
	TaskID     int
	Title      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    types.Outcome
	FinalStage types.Stage
	Error      string
}

// Open opens a SQLite database at the given path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode so the CLI can read history while the poller writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Last successful run of each recurring task
	CREATE TABLE IF NOT EXISTS recurrence (
		task_id INTEGER PRIMARY KEY,
		schedule TEXT NOT NULL,
		last_run INTEGER NOT NULL
	);

	-- One row per task run
	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id INTEGER NOT NULL,
		title TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		outcome TEXT,
		final_stage TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_runs_finished ON task_runs(finished_at);
	`

	_, err := s.DB.Exec(schema)
	return err
}

var _ recurring.Store = (*Store)(nil)

// IsDue reports whether a recurring task should run now
func (s *Store) IsDue(taskID int, schedule types.Schedule) (bool, error) {
	var lastRun int64
	err := s.DB.QueryRow(`SELECT last_run FROM recurrence WHERE task_id = ?`, taskID).Scan(&lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading recurrence for #%d: %w", taskID, err)
	}

	rec := &recurring.Record{TaskID: taskID, Schedule: schedule, LastRun: time.Unix(lastRun, 0)}
	return recurring.Due(rec, schedule, s.clock()), nil
}

// RecordRun stores now as the task's last successful run
func (s *Store) RecordRun(taskID int, schedule types.Schedule) error {
	_, err := s.DB.Exec(`
		INSERT INTO recurrence (task_id, schedule, last_run) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET schedule = excluded.schedule, last_run = excluded.last_run
	`, taskID, string(schedule), s.clock().Unix())
	if err != nil {
		return fmt.Errorf("recording run for #%d: %w", taskID, err)
	}
	return nil
}

// Records lists every recurrence record
func (s *Store) Records() ([]recurring.Record, error) {
	rows, err := s.DB.Query(`SELECT task_id, schedule, last_run FROM recurrence ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("listing recurrence: %w", err)
	}
	defer rows.Close()

	var out []recurring.Record
	for rows.Next() {
		var rec recurring.Record
		var schedule string
		var lastRun int64
		if err := rows.Scan(&rec.TaskID, &schedule, &lastRun); err != nil {
			return nil, fmt.Errorf("scanning recurrence: %w", err)
		}
		rec.Schedule = types.Schedule(schedule)
		rec.LastRun = time.Unix(lastRun, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StartRun records the start of a task run and returns its id
func (s *Store) StartRun(taskID int, title string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO task_runs (id, task_id, title, started_at) VALUES (?, ?, ?, ?)`,
		id, taskID, title, s.clock().Unix())
	if err != nil {
		return "", fmt.Errorf("starting run for #%d: %w", taskID, err)
	}
	return id, nil
}

// FinishRun records the outcome of a run
func (s *Store) FinishRun(runID string, outcome types.Outcome, stage types.Stage, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.DB.Exec(`
		UPDATE task_runs SET finished_at = ?, outcome = ?, final_stage = ?, error = ? WHERE id = ?
	`, s.clock().Unix(), string(outcome), string(stage), msg, runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: not found", runID)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.DB.Query(`
		SELECT id, task_id, COALESCE(title, ''), started_at, finished_at,
		       COALESCE(outcome, ''), COALESCE(final_stage, ''), COALESCE(error, '')
		FROM task_runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		var outcome, stage string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Title, &started, &finished, &outcome, &stage, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			t := time.Unix(finished.Int64, 0)
			r.FinishedAt = &t
		}
		r.Outcome = types.Outcome(outcome)
		r.FinalStage = types.Stage(stage)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountCompletedSince counts runs finishing done or failed at or after t.
// Blocked runs do not count against the daily quota.
func (s *Store) CountCompletedSince(t time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(`
		SELECT COUNT(*) FROM task_runs
		WHERE finished_at >= ? AND outcome IN (?, ?)
	`, t.Unix(), string(types.OutcomeDone), string(types.OutcomeFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}
