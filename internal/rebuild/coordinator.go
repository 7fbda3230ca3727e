package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillnote/quill/internal/note"
	"github.com/quillnote/quill/internal/task"
	"github.com/quillnote/quill/internal/vecindex"
)

// TaskName is the scheduled-task row backing the rebuild job.
const TaskName = "rebuild-embedding-index"

// NotificationRebuildCompleted is the kind emitted once on natural completion.
const NotificationRebuildCompleted = "rebuild_completed"

// TaskStore is the durable checkpoint surface the coordinator needs.
// Satisfied by *task.Store.
type TaskStore interface {
	Get(ctx context.Context, name string) (*task.Record, error)
	Acquire(ctx context.Context, name, runID string, output []byte) (bool, error)
	SaveOutput(ctx context.Context, name, runID string, running bool, success *bool, output []byte) error
	SetRunning(ctx context.Context, name string, running bool) error
}

// NoteSource lists embedding candidates. Satisfied by *note.Store.
type NoteSource interface {
	FindEligible(ctx context.Context, excludeIDs []int64) ([]note.Note, error)
}

// IndexLifecycle is the index management surface used per run. Satisfied by
// *vecindex.Manager.
type IndexLifecycle interface {
	CreateIndex(ctx context.Context, name string, dimension int) error
	DeleteIndex(ctx context.Context, name string) error
}

// ItemProcessor is the per-item retry envelope. Satisfied by *Processor.
type ItemProcessor interface {
	Process(ctx context.Context, item Item) Outcome
}

// Notifier delivers the completion notification. Satisfied by notify sinks.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]any) error
}

// Config tunes a Coordinator.
type Config struct {
	TaskName  string
	IndexName string

	// BatchSize bounds how many notes are processed between batch-level
	// cancellation checks. Processing is sequential regardless.
	BatchSize int

	// EmbedderModel and DimensionOverride feed dimension resolution at run
	// start. An unresolvable dimension fails the run before any index
	// mutation.
	EmbedderModel     string
	DimensionOverride int

	// StopSettle is how long ForceRebuild(force=true) waits for an active
	// in-process run to observe the stop flag before seeding the next run.
	StopSettle time.Duration
}

// Coordinator drives the rebuild state machine: it seeds runs, iterates
// candidates in batches, delegates items to the processor, persists the
// checkpoint after every note, and finalizes the run.
//
// Cancellation is cooperative through two signals: the coordinator-owned
// in-process flag (fast, same-process stop) and the persisted is_running
// flag (cross-process stop). Both are re-checked before every batch and
// every item.
//
// At most one RunTask is active per process, guarded by an atomic flag;
// cross-process exclusion is the task store's conditional acquire.
type Coordinator struct {
	cfg      Config
	tasks    TaskStore
	notes    NoteSource
	index    IndexLifecycle
	proc     ItemProcessor
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer

	stopRequested atomic.Bool
	active        atomic.Bool

	mu   sync.Mutex
	subs map[chan *Progress]struct{}
}

// NewCoordinator creates a coordinator. Zero config fields get defaults:
// task name, index name "note_vectors", batch size 5, 2s stop settle.
func NewCoordinator(cfg Config, tasks TaskStore, notes NoteSource, index IndexLifecycle, proc ItemProcessor, notifier Notifier, logger *slog.Logger) *Coordinator {
	if cfg.TaskName == "" {
		cfg.TaskName = TaskName
	}
	if cfg.IndexName == "" {
		cfg.IndexName = "note_vectors"
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}
	if cfg.StopSettle <= 0 {
		cfg.StopSettle = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:      cfg,
		tasks:    tasks,
		notes:    notes,
		index:    index,
		proc:     proc,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("github.com/quillnote/quill/internal/rebuild"),
		subs:     make(map[chan *Progress]struct{}),
	}
}

// ForceRebuild seeds and fires a rebuild run. With force, an active run is
// stopped first and the call waits briefly for the in-process flag to
// settle. With incremental, the prior checkpoint's processed/failed sets
// carry over so only new or failed notes are candidates.
//
// Returns false when another run holds the slot or persistence failed;
// errors are logged, not returned, so request handlers can report a plain
// accepted/rejected outcome.
func (c *Coordinator) ForceRebuild(ctx context.Context, force, incremental bool) bool {
	if c.running(ctx) {
		if !force {
			return false
		}
		if !c.StopRebuild(ctx) {
			return false
		}
		if !c.waitSettled() {
			c.logger.Warn("active run did not settle before force rebuild",
				"settle", c.cfg.StopSettle)
			return false
		}
		// A run in another process is only visible through its checkpoint:
		// wait for its stopped snapshot so the seed derives from final
		// state. On timeout the run-id fence still keeps straggler writes
		// out of the new checkpoint.
		if !c.waitRemoteSettled(ctx) {
			c.logger.Warn("remote run has not checkpointed its stop; superseding it",
				"settle", c.cfg.StopSettle)
		}
	}

	prog, err := c.seedProgress(ctx, incremental)
	if err != nil {
		c.logger.Error("seeding rebuild progress failed", "error", err)
		return false
	}

	return c.acquireAndFire(ctx, prog)
}

// ResumeRebuild continues an interrupted or stopped run incrementally.
func (c *Coordinator) ResumeRebuild(ctx context.Context) bool {
	return c.ForceRebuild(ctx, false, true)
}

// RetryFailedNotes rewinds only the failed ids so an incremental run
// reprocesses them, then fires the run.
func (c *Coordinator) RetryFailedNotes(ctx context.Context) bool {
	if c.running(ctx) {
		return false
	}

	prev, err := c.loadProgress(ctx)
	if err != nil {
		c.logger.Error("loading progress for retry failed", "error", err)
		return false
	}
	if prev == nil || len(prev.FailedIDs()) == 0 {
		return false
	}

	return c.acquireAndFire(ctx, prev.PrepareRetry())
}

// StopRebuild requests cancellation: it sets the in-process flag and writes
// is_running=false to the persisted record immediately, so a concurrent run
// in any process observes it at its next check. Idempotent.
func (c *Coordinator) StopRebuild(ctx context.Context) bool {
	c.stopRequested.Store(true)
	if err := c.tasks.SetRunning(ctx, c.cfg.TaskName, false); err != nil {
		c.logger.Error("persisting stop flag failed", "error", err)
		return false
	}
	return true
}

// GetProgress returns a copy of the persisted checkpoint, or nil when no
// rebuild was ever seeded.
func (c *Coordinator) GetProgress(ctx context.Context) (*Progress, error) {
	return c.loadProgress(ctx)
}

// GetFailedNotes returns the ids whose every embed attempt failed.
func (c *Coordinator) GetFailedNotes(ctx context.Context) ([]int64, error) {
	prog, err := c.loadProgress(ctx)
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, nil
	}
	return prog.FailedIDs(), nil
}

// Subscribe returns a channel receiving progress snapshots during a run and
// a cancel function that must be called to release it. Slow receivers miss
// intermediate snapshots rather than stalling the run.
func (c *Coordinator) Subscribe() (<-chan *Progress, func()) {
	ch := make(chan *Progress, 16)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// RunTask executes the main rebuild loop against the current checkpoint.
// A stale trigger (persisted is_running=false) returns immediately without
// resurrecting a finished run. Errors returned here are run-level faults;
// they are always paired with a persisted terminal record.
func (c *Coordinator) RunTask(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		c.logger.Debug("rebuild already active in this process")
		return nil
	}
	defer c.active.Store(false)

	ctx, span := c.tracer.Start(ctx, "rebuild.run")
	defer span.End()

	rec, err := c.tasks.Get(ctx, c.cfg.TaskName)
	if err != nil {
		return fmt.Errorf("loading rebuild task: %w", err)
	}
	prog, err := DecodeProgress(rec.Output)
	if err != nil {
		return err
	}
	if prog == nil || !rec.IsRunning || !prog.IsRunning {
		c.logger.Debug("stale rebuild trigger ignored")
		return nil
	}

	span.SetAttributes(attribute.Bool("rebuild.incremental", prog.IsIncremental))

	// Dimension resolution is a hard precondition: a configuration fault
	// fails the run before any index mutation.
	dimension, err := vecindex.ResolveDimension(c.cfg.EmbedderModel, c.cfg.DimensionOverride)
	if err != nil {
		return c.finishFailure(ctx, prog, err)
	}

	// Full rebuilds start from an empty index; incremental runs reuse it.
	if !prog.IsIncremental {
		if err := c.index.DeleteIndex(ctx, c.cfg.IndexName); err != nil {
			return c.finishFailure(ctx, prog, err)
		}
	}
	if err := c.index.CreateIndex(ctx, c.cfg.IndexName, dimension); err != nil {
		return c.finishFailure(ctx, prog, err)
	}

	// The candidate set is computed once and is immutable for the run:
	// notes created from here on wait for the next incremental run.
	var exclude []int64
	if prog.IsIncremental {
		exclude = prog.SettledIDs()
	}
	candidates, err := c.notes.FindEligible(ctx, exclude)
	if err != nil {
		return c.finishFailure(ctx, prog, fmt.Errorf("listing candidate notes: %w", err))
	}

	prog.Total = prog.Current + len(candidates)
	prog.UpdatePercentage()
	if err := c.persist(ctx, prog, true, nil); err != nil {
		if errors.Is(err, task.ErrSuperseded) {
			c.abortSuperseded(prog)
			return nil
		}
		return fmt.Errorf("persisting initial progress: %w", err)
	}

	c.logger.Info("rebuild started",
		"incremental", prog.IsIncremental,
		"candidates", len(candidates),
		"total", prog.Total)
	span.SetAttributes(attribute.Int("rebuild.candidates", len(candidates)))

	for start := 0; start < len(candidates); start += c.cfg.BatchSize {
		if c.stopped(ctx) {
			return c.finishStopped(ctx, prog)
		}

		end := min(start+c.cfg.BatchSize, len(candidates))
		for _, n := range candidates[start:end] {
			if c.stopped(ctx) {
				return c.finishStopped(ctx, prog)
			}
			if prog.HasSettled(n.ID) {
				// Overlapping incremental windows; nothing to redo.
				continue
			}

			c.processNote(ctx, prog, n)
			prog.UpdatePercentage()
			if err := c.persist(ctx, prog, true, nil); err != nil {
				if errors.Is(err, task.ErrSuperseded) {
					c.abortSuperseded(prog)
					return nil
				}
				return fmt.Errorf("persisting progress after note %d: %w", n.ID, err)
			}
			c.publish(prog)
		}
	}

	return c.finishCompleted(ctx, prog)
}

// processNote runs one note and its attachments through the retry envelope
// and records the outcome on the checkpoint. Per-item errors never escape.
func (c *Coordinator) processNote(ctx context.Context, prog *Progress, n note.Note) {
	var (
		attempted bool
		succeeded bool
		lastErr   error
	)

	if strings.TrimSpace(n.Content) != "" {
		attempted = true
		out := c.proc.Process(ctx, Item{
			SourceID:  NoteSourceID(n.ID),
			NoteID:    n.ID,
			Text:      n.Content,
			CreatedAt: n.CreatedAt,
			UpdatedAt: n.UpdatedAt,
		})
		if out.OK {
			succeeded = true
		} else {
			lastErr = out.Err
		}
	}

	for _, a := range n.Attachments {
		if a.IsImage() {
			// Images are not text-embeddable; recorded without an API call.
			prog.AppendResult(ResultRecord{
				Type:    ResultSkip,
				Content: fmt.Sprintf("attachment %s of note %d: image skipped", a.Filename, n.ID),
			})
			continue
		}
		if strings.TrimSpace(a.Text) == "" {
			continue
		}

		attempted = true
		out := c.proc.Process(ctx, Item{
			SourceID:     AttachmentSourceID(n.ID, a.ID),
			NoteID:       n.ID,
			IsAttachment: true,
			Text:         a.Text,
			CreatedAt:    a.CreatedAt,
			UpdatedAt:    a.CreatedAt,
		})
		if out.OK {
			succeeded = true
		} else {
			lastErr = out.Err
		}
	}

	switch {
	case succeeded:
		prog.MarkProcessed(n.ID)
		prog.AppendResult(ResultRecord{
			Type:    ResultSuccess,
			Content: noteLabel(n),
		})
	case attempted:
		prog.MarkFailed(n.ID)
		prog.AppendResult(ResultRecord{
			Type:    ResultError,
			Content: noteLabel(n),
			Error:   errString(lastErr),
		})
		c.logger.Warn("note failed all embed attempts", "note_id", n.ID, "error", lastErr)
	default:
		prog.MarkSkipped(n.ID)
		prog.AppendResult(ResultRecord{
			Type:    ResultSkip,
			Content: fmt.Sprintf("%s: nothing to embed", noteLabel(n)),
		})
	}
}

// running reports whether a run is active in this process or marked active
// in the persisted record.
func (c *Coordinator) running(ctx context.Context) bool {
	if c.active.Load() {
		return true
	}
	rec, err := c.tasks.Get(ctx, c.cfg.TaskName)
	if err != nil {
		return false
	}
	return rec.IsRunning
}

// stopped re-reads both cancellation signals.
func (c *Coordinator) stopped(ctx context.Context) bool {
	if c.stopRequested.Load() {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	rec, err := c.tasks.Get(ctx, c.cfg.TaskName)
	if err != nil {
		c.logger.Warn("re-reading run flag failed", "error", err)
		return false
	}
	return !rec.IsRunning
}

// waitSettled polls until the in-process run flag clears or StopSettle
// elapses.
func (c *Coordinator) waitSettled() bool {
	deadline := time.Now().Add(c.cfg.StopSettle)
	for c.active.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// waitRemoteSettled polls the persisted checkpoint until the run that owns
// it has written a non-running snapshot, bounded by StopSettle. The row's
// is_running flag alone is not enough: StopRebuild clears it immediately,
// before the remote loop has observed the stop.
func (c *Coordinator) waitRemoteSettled(ctx context.Context) bool {
	deadline := time.Now().Add(c.cfg.StopSettle)
	for {
		prog, err := c.loadProgress(ctx)
		if err != nil || prog == nil || !prog.IsRunning {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// seedProgress builds the checkpoint for a new run. Incremental runs derive
// from the prior checkpoint when one exists; otherwise the run degrades to a
// fresh full seed.
func (c *Coordinator) seedProgress(ctx context.Context, incremental bool) (*Progress, error) {
	if incremental {
		prev, err := c.loadProgress(ctx)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return prev.SeedIncremental(), nil
		}
	}
	return NewProgress(), nil
}

// acquireAndFire claims the cross-process run slot with the seeded
// checkpoint and launches RunTask on success.
func (c *Coordinator) acquireAndFire(ctx context.Context, prog *Progress) bool {
	data, err := json.Marshal(prog)
	if err != nil {
		c.logger.Error("encoding rebuild progress failed", "error", err)
		return false
	}

	ok, err := c.tasks.Acquire(ctx, c.cfg.TaskName, prog.RunID, data)
	if err != nil {
		c.logger.Error("acquiring rebuild run failed", "error", err)
		return false
	}
	if !ok {
		c.logger.Info("rebuild run slot already taken")
		return false
	}

	c.stopRequested.Store(false)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := c.RunTask(runCtx); err != nil {
			c.logger.Error("rebuild run failed", "error", err)
		}
	}()

	return true
}

func (c *Coordinator) loadProgress(ctx context.Context) (*Progress, error) {
	rec, err := c.tasks.Get(ctx, c.cfg.TaskName)
	if err != nil {
		return nil, err
	}
	return DecodeProgress(rec.Output)
}

// persist writes the whole checkpoint, fenced on the run id. success=nil
// keeps the prior outcome. task.ErrSuperseded means a newer run owns the
// row; callers abandon the run instead of retrying.
func (c *Coordinator) persist(ctx context.Context, prog *Progress, running bool, success *bool) error {
	data, err := json.Marshal(prog)
	if err != nil {
		return fmt.Errorf("encoding rebuild progress: %w", err)
	}
	return c.tasks.SaveOutput(ctx, c.cfg.TaskName, prog.RunID, running, success, data)
}

// abortSuperseded ends a run whose slot was re-acquired by a newer run: no
// further writes, the successor's checkpoint is authoritative. Local
// subscribers still get a terminal snapshot so waiters unblock.
func (c *Coordinator) abortSuperseded(prog *Progress) {
	prog.IsRunning = false
	prog.LastUpdate = time.Now()
	c.publish(prog)
	c.logger.Info("rebuild run superseded by a newer run",
		"run_id", prog.RunID, "current", prog.Current)
}

// finishStopped persists the stop snapshot: is_running=false, outcome left
// at its prior value. The same helper serves clean and mid-item stops so
// the serialized shape never varies.
func (c *Coordinator) finishStopped(ctx context.Context, prog *Progress) error {
	prog.IsRunning = false
	prog.LastUpdate = time.Now()
	if err := c.persist(ctx, prog, false, nil); err != nil {
		if errors.Is(err, task.ErrSuperseded) {
			c.abortSuperseded(prog)
			return nil
		}
		return fmt.Errorf("persisting stop snapshot: %w", err)
	}
	c.publish(prog)
	c.logger.Info("rebuild stopped", "current", prog.Current, "total", prog.Total)
	return nil
}

// finishCompleted persists the terminal success record and emits the
// completion notification.
func (c *Coordinator) finishCompleted(ctx context.Context, prog *Progress) error {
	prog.IsRunning = false
	prog.Percentage = 100
	prog.LastUpdate = time.Now()

	success := true
	if err := c.persist(ctx, prog, false, &success); err != nil {
		if errors.Is(err, task.ErrSuperseded) {
			c.abortSuperseded(prog)
			return nil
		}
		return fmt.Errorf("persisting completion: %w", err)
	}
	c.publish(prog)

	c.logger.Info("rebuild completed",
		"current", prog.Current,
		"total", prog.Total,
		"failed", len(prog.FailedIDs()))

	if c.notifier != nil {
		payload := map[string]any{
			"current": prog.Current,
			"total":   prog.Total,
			"failed":  len(prog.FailedIDs()),
		}
		if err := c.notifier.Notify(ctx, NotificationRebuildCompleted, payload); err != nil {
			c.logger.Warn("completion notification failed", "error", err)
		}
	}
	return nil
}

// finishFailure persists the terminal failure record and returns err so the
// scheduler logs it. The persisted record stays authoritative: no caller has
// to infer state from the error alone.
func (c *Coordinator) finishFailure(ctx context.Context, prog *Progress, runErr error) error {
	prog.IsRunning = false
	prog.LastUpdate = time.Now()
	prog.AppendResult(ResultRecord{
		Type:    ResultError,
		Content: "rebuild aborted",
		Error:   errString(runErr),
	})

	success := false
	if err := c.persist(ctx, prog, false, &success); err != nil {
		if errors.Is(err, task.ErrSuperseded) {
			c.abortSuperseded(prog)
			return runErr
		}
		c.logger.Error("persisting failure record failed", "error", err)
	}
	c.publish(prog)

	return runErr
}

// publish fans a snapshot out to subscribers without blocking the run.
func (c *Coordinator) publish(prog *Progress) {
	snapshot := prog.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func noteLabel(n note.Note) string {
	if strings.TrimSpace(n.Title) != "" {
		return fmt.Sprintf("note %d (%s)", n.ID, n.Title)
	}
	return fmt.Sprintf("note %d", n.ID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
