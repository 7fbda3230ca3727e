// Package task persists scheduled-task records, one row per job name.
//
// The row is the single source of truth for "is this job running" across
// process restarts. Its output column carries the job's checkpoint as JSON;
// this package treats the payload as opaque bytes so the schema stays with
// the job that owns it.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates no task record exists for the given name.
var ErrNotFound = errors.New("task not found")

// ErrSuperseded indicates a checkpoint write carried a run id that no longer
// owns the row: a newer run acquired the slot in between. The stale writer
// must abandon the run without retrying.
var ErrSuperseded = errors.New("task run superseded")

// Record is a persisted scheduled task.
type Record struct {
	Name      string
	IsRunning bool
	// IsSuccess reflects the most recent terminal transition. It is left
	// untouched by stops, so a stopped run neither succeeds nor fails.
	IsSuccess bool
	// RunID identifies the run that last acquired the slot. Checkpoint
	// writes are fenced on it.
	RunID     string
	Output    json.RawMessage
	Schedule  string
	LastRun   time.Time
	UpdatedAt time.Time
}

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes scheduled-task rows.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a task store.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Get returns the task record for name, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Record, error) {
	const q = `
		SELECT name, is_running, is_success, run_id, output, schedule, last_run, updated_at
		FROM scheduled_tasks
		WHERE name = $1`

	var r Record
	err := s.db.QueryRow(ctx, q, name).Scan(
		&r.Name, &r.IsRunning, &r.IsSuccess, &r.RunID, &r.Output, &r.Schedule, &r.LastRun, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("loading task %q: %w", name, err)
	}

	return &r, nil
}

// Ensure creates the task row if it does not exist and keeps its schedule
// current. Existing run state is left untouched.
func (s *Store) Ensure(ctx context.Context, name, schedule string) error {
	const q = `
		INSERT INTO scheduled_tasks (name, is_running, is_success, output, schedule, last_run, updated_at)
		VALUES ($1, false, false, 'null'::jsonb, $2, to_timestamp(0), now())
		ON CONFLICT (name) DO UPDATE SET schedule = EXCLUDED.schedule, updated_at = now()`

	if _, err := s.db.Exec(ctx, q, name, schedule); err != nil {
		return fmt.Errorf("ensuring task %q: %w", name, err)
	}
	return nil
}

// Acquire atomically claims the run slot for name: it flips is_running to
// true, stamps the run id, and installs the seeded output only if no run is
// currently marked active. The conditional update is the cross-process guard
// against two processes starting the same job; both may read
// is_running=false, but only one row update can match.
//
// Returns false when the slot is already taken.
func (s *Store) Acquire(ctx context.Context, name, runID string, output []byte) (bool, error) {
	const q = `
		UPDATE scheduled_tasks
		SET is_running = true, run_id = $2, output = $3, last_run = now(), updated_at = now()
		WHERE name = $1 AND is_running = false`

	tag, err := s.db.Exec(ctx, q, name, runID, output)
	if err != nil {
		return false, fmt.Errorf("acquiring run for task %q: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveOutput persists the job checkpoint. success=nil leaves is_success at
// its prior value, which is how stop snapshots avoid declaring an outcome.
//
// Two guards keep concurrent writers honest. The update is fenced on runID,
// so a run whose slot was re-acquired gets ErrSuperseded instead of
// clobbering the new run's checkpoint. And running=true only keeps the flag
// if it is still set: a stop written by another process between the writer's
// last check and this update stays cleared.
func (s *Store) SaveOutput(ctx context.Context, name, runID string, running bool, success *bool, output []byte) error {
	const q = `
		UPDATE scheduled_tasks
		SET is_running = is_running AND $3,
		    is_success = COALESCE($4, is_success),
		    output = $5,
		    updated_at = now()
		WHERE name = $1 AND run_id = $2`

	tag, err := s.db.Exec(ctx, q, name, runID, running, success, output)
	if err != nil {
		return fmt.Errorf("saving output for task %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %q run %q", ErrSuperseded, name, runID)
	}
	return nil
}

// SetRunning writes only the is_running flag. StopRebuild uses this as the
// fast cross-process cancellation signal; the in-flight run persists its own
// stopped snapshot when it observes the flag.
func (s *Store) SetRunning(ctx context.Context, name string, running bool) error {
	const q = `
		UPDATE scheduled_tasks
		SET is_running = $2, updated_at = now()
		WHERE name = $1`

	tag, err := s.db.Exec(ctx, q, name, running)
	if err != nil {
		return fmt.Errorf("setting running flag for task %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}
