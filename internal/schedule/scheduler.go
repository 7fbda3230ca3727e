// Package schedule runs the rebuild job on a cron schedule and recovers
// interrupted runs on process startup.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quillnote/quill/internal/rebuild"
	"github.com/quillnote/quill/internal/task"
)

// Coordinator is the rebuild control surface the scheduler drives.
// Satisfied by *rebuild.Coordinator.
type Coordinator interface {
	ForceRebuild(ctx context.Context, force, incremental bool) bool
	ResumeRebuild(ctx context.Context) bool
}

// TaskStore reads the persisted job record for boot recovery.
type TaskStore interface {
	Get(ctx context.Context, name string) (*task.Record, error)
	Ensure(ctx context.Context, name, schedule string) error
}

// Scheduler arms a cron timer for periodic incremental rebuilds and, on
// boot, inspects the persisted record to auto-resume a run interrupted by a
// crash.
type Scheduler struct {
	taskName    string
	coord       Coordinator
	tasks       TaskStore
	resumeDelay time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	timer   *time.Timer
}

// New creates a scheduler for the named job. resumeDelay spaces boot
// recovery from process startup so dependencies finish initializing.
func New(taskName string, coord Coordinator, tasks TaskStore, resumeDelay time.Duration, logger *slog.Logger) *Scheduler {
	if taskName == "" {
		taskName = rebuild.TaskName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		taskName:    taskName,
		coord:       coord,
		tasks:       tasks,
		resumeDelay: resumeDelay,
		logger:      logger,
	}
}

// Start arms the cron timer. The schedule is also persisted on the task row
// so boot recovery can compute the expected interval. Scheduled ticks fire
// incremental runs; a tick that lands while a run is active is a no-op.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}
	if err := s.tasks.Ensure(ctx, s.taskName, schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = cron.New()
	id, err := s.cron.AddFunc(schedule, func() {
		s.fire(context.Background())
	})
	if err != nil {
		return fmt.Errorf("arming schedule %q: %w", schedule, err)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info("rebuild schedule armed", "task", s.taskName, "schedule", schedule)
	return nil
}

// Stop disarms the timer and cancels any pending boot-recovery fire. It does
// not stop a run already in flight; that is StopRebuild's job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// FireNow triggers an out-of-schedule incremental run.
func (s *Scheduler) FireNow(ctx context.Context) bool {
	return s.fire(ctx)
}

// InitializeOnBoot inspects the persisted record for a run interrupted by a
// process crash and recovers it:
//
//   - is_running with partial progress: the run died mid-flight. The record
//     is treated as an implicit cancellation and resumed incrementally after
//     resumeDelay.
//   - is_running with no progress and the scheduled interval already elapsed
//     since last_run: fire once immediately.
//   - otherwise: wait for the next scheduled tick.
func (s *Scheduler) InitializeOnBoot(ctx context.Context) error {
	rec, err := s.tasks.Get(ctx, s.taskName)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		return err
	}
	if !rec.IsRunning {
		return nil
	}

	prog, err := rebuild.DecodeProgress(rec.Output)
	if err != nil {
		return err
	}
	if prog == nil {
		return nil
	}

	if prog.Current > 0 && prog.Current < prog.Total {
		s.logger.Info("interrupted rebuild detected, scheduling resume",
			"current", prog.Current,
			"total", prog.Total,
			"delay", s.resumeDelay)

		s.mu.Lock()
		s.timer = time.AfterFunc(s.resumeDelay, func() {
			// The crashed process left is_running=true; force reclaims
			// the slot.
			if !s.coord.ForceRebuild(context.Background(), true, true) {
				s.logger.Warn("auto-resume did not start")
			}
		})
		s.mu.Unlock()
		return nil
	}

	if prog.Current == 0 && s.intervalElapsed(rec) {
		s.logger.Info("stalled rebuild with no progress, refiring now")
		if !s.coord.ForceRebuild(ctx, true, prog.IsIncremental) {
			s.logger.Warn("boot refire did not start")
		}
		return nil
	}

	s.logger.Info("stalled rebuild waits for next scheduled tick",
		"last_run", rec.LastRun)
	return nil
}

// fire starts an incremental run; returns false when the slot is taken.
func (s *Scheduler) fire(ctx context.Context) bool {
	started := s.coord.ForceRebuild(ctx, false, true)
	if !started {
		s.logger.Debug("scheduled rebuild skipped, run already active")
	}
	return started
}

// intervalElapsed reports whether at least one scheduled interval has passed
// since the record's last run.
func (s *Scheduler) intervalElapsed(rec *task.Record) bool {
	sched, err := cron.ParseStandard(rec.Schedule)
	if err != nil {
		// Unparseable persisted schedule; err on the side of refiring.
		return true
	}

	// Interval length measured from the next two activations.
	next := sched.Next(time.Now())
	interval := sched.Next(next).Sub(next)
	return time.Since(rec.LastRun) >= interval
}
