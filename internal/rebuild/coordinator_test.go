package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quillnote/quill/internal/log"
	"github.com/quillnote/quill/internal/note"
	"github.com/quillnote/quill/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memTaskStore is an in-memory scheduled_tasks row with the same conditional
// acquire semantics as the real store.
type memTaskStore struct {
	mu  sync.Mutex
	rec task.Record
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{rec: task.Record{
		Name:   TaskName,
		Output: []byte("null"),
	}}
}

func (s *memTaskStore) Get(_ context.Context, name string) (*task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != s.rec.Name {
		return nil, task.ErrNotFound
	}
	rec := s.rec
	rec.Output = slices.Clone(s.rec.Output)
	return &rec, nil
}

func (s *memTaskStore) Acquire(_ context.Context, name, runID string, output []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != s.rec.Name || s.rec.IsRunning {
		return false, nil
	}
	s.rec.IsRunning = true
	s.rec.RunID = runID
	s.rec.Output = slices.Clone(output)
	s.rec.LastRun = time.Now()
	return true, nil
}

func (s *memTaskStore) SaveOutput(_ context.Context, name, runID string, running bool, success *bool, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != s.rec.Name || runID != s.rec.RunID {
		return task.ErrSuperseded
	}
	s.rec.IsRunning = s.rec.IsRunning && running
	if success != nil {
		s.rec.IsSuccess = *success
	}
	s.rec.Output = slices.Clone(output)
	return nil
}

func (s *memTaskStore) SetRunning(_ context.Context, name string, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != s.rec.Name {
		return task.ErrNotFound
	}
	s.rec.IsRunning = running
	return nil
}

func (s *memTaskStore) snapshot() task.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.Output = slices.Clone(s.rec.Output)
	return rec
}

// fakeNotes serves a fixed note list, honoring the exclusion set.
type fakeNotes struct {
	mu          sync.Mutex
	notes       []note.Note
	lastExclude []int64
}

func (f *fakeNotes) FindEligible(_ context.Context, excludeIDs []int64) ([]note.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastExclude = slices.Clone(excludeIDs)

	var out []note.Note
	for _, n := range f.notes {
		if n.IsRecycle || slices.Contains(excludeIDs, n.ID) {
			continue
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b note.Note) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *fakeNotes) add(notes ...note.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notes...)
}

type fakeIndex struct {
	mu        sync.Mutex
	creates   int
	deletes   int
	dimension int
}

func (f *fakeIndex) CreateIndex(_ context.Context, _ string, dimension int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.dimension = dimension
	return nil
}

func (f *fakeIndex) DeleteIndex(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

// scriptProcessor delegates to fn and records every item it saw.
type scriptProcessor struct {
	mu    sync.Mutex
	items []Item
	fn    func(ctx context.Context, item Item) Outcome
}

func (p *scriptProcessor) Process(ctx context.Context, item Item) Outcome {
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, item)
	}
	return Outcome{OK: true}
}

func (p *scriptProcessor) seen() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.items)
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(_ context.Context, kind string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	return nil
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.kinds)
}

func textNote(id int64, content string) note.Note {
	return note.Note{ID: id, Title: fmt.Sprintf("note-%d", id), Content: content}
}

func sevenNotes() []note.Note {
	notes := make([]note.Note, 0, 7)
	for id := int64(1); id <= 7; id++ {
		notes = append(notes, textNote(id, fmt.Sprintf("content %d", id)))
	}
	return notes
}

type coordFixture struct {
	coord    *Coordinator
	tasks    *memTaskStore
	notes    *fakeNotes
	index    *fakeIndex
	proc     *scriptProcessor
	notifier *recordingNotifier
}

func newFixture(notes []note.Note) *coordFixture {
	f := &coordFixture{
		tasks:    newMemTaskStore(),
		notes:    &fakeNotes{notes: notes},
		index:    &fakeIndex{},
		proc:     &scriptProcessor{},
		notifier: &recordingNotifier{},
	}
	f.coord = NewCoordinator(Config{
		BatchSize:     2,
		EmbedderModel: "text-embedding-004",
		StopSettle:    time.Second,
	}, f.tasks, f.notes, f.index, f.proc, f.notifier, log.NewNop())
	return f
}

// waitDone polls until the persisted record leaves the running state and the
// in-process run settles.
func (f *coordFixture) waitDone(t *testing.T) *Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := f.tasks.snapshot()
		if !rec.IsRunning && !f.coord.active.Load() {
			prog, err := DecodeProgress(rec.Output)
			if err != nil {
				t.Fatalf("decoding final progress: %v", err)
			}
			return prog
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not finish in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFullRebuildProcessesAllNotes(t *testing.T) {
	f := newFixture(sevenNotes())
	ctx := context.Background()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	prog := f.waitDone(t)

	if prog.Current != 7 || prog.Total != 7 || prog.Percentage != 100 {
		t.Fatalf("final progress = %d/%d (%d%%)", prog.Current, prog.Total, prog.Percentage)
	}
	if got := prog.ProcessedIDs(); !slices.Equal(got, []int64{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("processed ids = %v", got)
	}
	if prog.IsRunning {
		t.Fatal("final checkpoint still marked running")
	}
	if rec := f.tasks.snapshot(); !rec.IsSuccess {
		t.Fatal("task record should be marked successful")
	}

	// Full rebuild drops and recreates the index with the model dimension.
	if f.index.deletes != 1 || f.index.creates != 1 || f.index.dimension != 768 {
		t.Fatalf("index lifecycle = %d deletes, %d creates, dim %d",
			f.index.deletes, f.index.creates, f.index.dimension)
	}

	// Notes are processed in ascending id order.
	items := f.proc.seen()
	for i := 1; i < len(items); i++ {
		if items[i].NoteID < items[i-1].NoteID {
			t.Fatalf("out-of-order processing: %d before %d", items[i-1].NoteID, items[i].NoteID)
		}
	}

	if kinds := f.notifier.seen(); !slices.Equal(kinds, []string{NotificationRebuildCompleted}) {
		t.Fatalf("notifications = %v", kinds)
	}
}

func TestFailedNoteDoesNotAbortRun(t *testing.T) {
	f := newFixture(sevenNotes())
	f.proc.fn = func(_ context.Context, item Item) Outcome {
		if item.NoteID == 4 {
			return Outcome{Err: errors.New("embed exhausted")}
		}
		return Outcome{OK: true}
	}
	ctx := context.Background()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	prog := f.waitDone(t)

	if prog.Current != 6 {
		t.Fatalf("current = %d, want 6 (failed note does not count)", prog.Current)
	}
	if prog.Percentage != 100 {
		t.Fatalf("percentage = %d, completion forces 100", prog.Percentage)
	}
	if got := prog.FailedIDs(); !slices.Equal(got, []int64{4}) {
		t.Fatalf("failed ids = %v", got)
	}

	ids, err := f.coord.GetFailedNotes(ctx)
	if err != nil {
		t.Fatalf("GetFailedNotes: %v", err)
	}
	if !slices.Equal(ids, []int64{4}) {
		t.Fatalf("GetFailedNotes = %v", ids)
	}

	// Retry with a healthy processor picks up only the failed note.
	f.proc.fn = nil
	before := len(f.proc.seen())
	if !f.coord.RetryFailedNotes(ctx) {
		t.Fatal("retry did not start")
	}
	prog = f.waitDone(t)

	retried := f.proc.seen()[before:]
	if len(retried) != 1 || retried[0].NoteID != 4 {
		t.Fatalf("retry processed %+v, want only note 4", retried)
	}
	if prog.Current != 7 || len(prog.FailedIDs()) != 0 {
		t.Fatalf("after retry: current=%d failed=%v", prog.Current, prog.FailedIDs())
	}
	if prog.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", prog.RetryCount)
	}
}

func TestStopAndResume(t *testing.T) {
	f := newFixture(sevenNotes())
	ctx := context.Background()

	var processed int
	f.proc.fn = func(_ context.Context, _ Item) Outcome {
		processed++
		if processed == 3 {
			// Simulates a stop request landing mid-run, from any process.
			f.coord.StopRebuild(ctx)
		}
		return Outcome{OK: true}
	}

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	prog := f.waitDone(t)

	if prog.Current != 3 {
		t.Fatalf("stopped at current = %d, want 3", prog.Current)
	}
	if prog.IsRunning {
		t.Fatal("stopped checkpoint still marked running")
	}
	if rec := f.tasks.snapshot(); rec.IsSuccess {
		t.Fatal("a stop must not record success")
	}

	// Resume finishes the remaining notes without redoing settled ones.
	f.proc.fn = nil
	before := len(f.proc.seen())
	if !f.coord.ResumeRebuild(ctx) {
		t.Fatal("resume did not start")
	}
	prog = f.waitDone(t)

	resumed := f.proc.seen()[before:]
	for _, item := range resumed {
		if item.NoteID <= 3 {
			t.Fatalf("resume reprocessed settled note %d", item.NoteID)
		}
	}
	if prog.Current != 7 || prog.Total != 7 {
		t.Fatalf("after resume: %d/%d", prog.Current, prog.Total)
	}
	if !slices.Equal(f.notes.lastExclude, []int64{1, 2, 3}) {
		t.Fatalf("resume exclusion set = %v", f.notes.lastExclude)
	}
}

func TestIncrementalRunOnlyProcessesNewNotes(t *testing.T) {
	f := newFixture([]note.Note{textNote(1, "a"), textNote(2, "b"), textNote(3, "c")})
	ctx := context.Background()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("initial rebuild did not start")
	}
	f.waitDone(t)

	// Notes created after the run wait for the next incremental pass.
	f.notes.add(textNote(8, "new"), textNote(9, "newer"))

	before := len(f.proc.seen())
	if !f.coord.ForceRebuild(ctx, false, true) {
		t.Fatal("incremental rebuild did not start")
	}
	prog := f.waitDone(t)

	incremental := f.proc.seen()[before:]
	if len(incremental) != 2 {
		t.Fatalf("incremental processed %d items, want 2", len(incremental))
	}
	if prog.Current != 5 || prog.Total != 5 {
		t.Fatalf("incremental progress = %d/%d, want 5/5", prog.Current, prog.Total)
	}
	// Incremental runs must not drop the index.
	if f.index.deletes != 1 {
		t.Fatalf("index deletes = %d, want only the initial full run's", f.index.deletes)
	}
}

func TestNothingEmbeddableIsSkipped(t *testing.T) {
	notes := []note.Note{
		textNote(1, "real content"),
		{ID: 2, Title: "empty"},
		{ID: 3, Title: "images only", Attachments: []note.Attachment{
			{ID: 31, NoteID: 3, Filename: "photo.jpg", MimeType: "image/jpeg"},
		}},
	}
	f := newFixture(notes)
	ctx := context.Background()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	prog := f.waitDone(t)

	// Skipped notes count toward Current so the run terminates at Total.
	if prog.Current != 3 || prog.Total != 3 {
		t.Fatalf("progress = %d/%d, want 3/3", prog.Current, prog.Total)
	}
	if got := prog.SkippedIDs(); !slices.Equal(got, []int64{2, 3}) {
		t.Fatalf("skipped ids = %v", got)
	}
	if got := prog.ProcessedIDs(); !slices.Equal(got, []int64{1}) {
		t.Fatalf("processed ids = %v", got)
	}
	// No embed call is ever issued for them.
	for _, item := range f.proc.seen() {
		if item.NoteID != 1 {
			t.Fatalf("embed attempted for skipped note %d", item.NoteID)
		}
	}

	// The next incremental run excludes skipped notes too.
	before := len(f.proc.seen())
	if !f.coord.ForceRebuild(ctx, false, true) {
		t.Fatal("incremental rebuild did not start")
	}
	f.waitDone(t)
	if extra := f.proc.seen()[before:]; len(extra) != 0 {
		t.Fatalf("incremental re-attempted settled notes: %+v", extra)
	}
}

func TestUnknownModelFailsBeforeIndexMutation(t *testing.T) {
	f := newFixture(sevenNotes())
	f.coord.cfg.EmbedderModel = "not-a-real-model"
	ctx := context.Background()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	prog := f.waitDone(t)

	if f.index.creates != 0 || f.index.deletes != 0 {
		t.Fatalf("index mutated despite unresolvable dimension: %d creates, %d deletes",
			f.index.creates, f.index.deletes)
	}
	if len(f.proc.seen()) != 0 {
		t.Fatal("notes processed despite failed precondition")
	}
	if rec := f.tasks.snapshot(); rec.IsSuccess {
		t.Fatal("failed run marked successful")
	}
	if len(prog.Results) == 0 || prog.Results[len(prog.Results)-1].Type != ResultError {
		t.Fatalf("failure not recorded in result log: %+v", prog.Results)
	}
}

func TestForceRebuildRejectedWhileRunning(t *testing.T) {
	f := newFixture(sevenNotes())
	ctx := context.Background()

	gate := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	f.proc.fn = func(_ context.Context, _ Item) Outcome {
		once.Do(func() { close(started) })
		<-gate
		return Outcome{OK: true}
	}

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	<-started

	if f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("second non-force rebuild started while one was active")
	}
	if f.coord.ResumeRebuild(ctx) {
		t.Fatal("resume started while a run was active")
	}
	if f.coord.RetryFailedNotes(ctx) {
		t.Fatal("retry started while a run was active")
	}

	close(gate)
	f.waitDone(t)
}

func TestStaleTriggerIsNoOp(t *testing.T) {
	f := newFixture(sevenNotes())
	ctx := context.Background()

	// A persisted record that is not running must not be resurrected.
	if err := f.coord.RunTask(ctx); err != nil {
		t.Fatalf("stale RunTask returned error: %v", err)
	}
	if len(f.proc.seen()) != 0 {
		t.Fatal("stale trigger processed notes")
	}
}

func TestSubscribeReceivesTerminalSnapshot(t *testing.T) {
	f := newFixture([]note.Note{textNote(1, "a"), textNote(2, "b")})
	ctx := context.Background()

	updates, cancel := f.coord.Subscribe()
	defer cancel()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case prog := <-updates:
			if !prog.IsRunning {
				if prog.Current != 2 || prog.Percentage != 100 {
					t.Fatalf("terminal snapshot = %d/%d%%", prog.Current, prog.Percentage)
				}
				f.waitDone(t)
				return
			}
		case <-deadline:
			t.Fatal("no terminal snapshot received")
		}
	}
}

func TestGetProgressBeforeAnyRun(t *testing.T) {
	f := newFixture(nil)

	prog, err := f.coord.GetProgress(context.Background())
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if prog != nil {
		t.Fatalf("progress = %+v, want nil before any run", prog)
	}
}

func TestCrossProcessStopIsNotOverwritten(t *testing.T) {
	f := newFixture(sevenNotes())
	ctx := context.Background()

	// The stop arrives while note 3 is embedding, written straight to the
	// store the way another process's StopRebuild would. The local atomic
	// stays unset, so only the persisted flag can end the run.
	f.proc.fn = func(_ context.Context, item Item) Outcome {
		if item.NoteID == 3 {
			if err := f.tasks.SetRunning(ctx, TaskName, false); err != nil {
				t.Errorf("clearing run flag: %v", err)
			}
		}
		return Outcome{OK: true}
	}

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}
	prog := f.waitDone(t)

	if prog.Current != 3 {
		t.Fatalf("run continued to current=%d, want stop at 3", prog.Current)
	}
	if prog.IsRunning {
		t.Fatal("stopped checkpoint still marked running")
	}
	if len(f.proc.seen()) != 3 {
		t.Fatalf("processed %d items after stop, want 3", len(f.proc.seen()))
	}
	rec := f.tasks.snapshot()
	if rec.IsRunning {
		t.Fatal("persisted run flag raised again after external stop")
	}
	if rec.IsSuccess {
		t.Fatal("externally stopped run recorded success")
	}
}

func TestSupersededRunLeavesNewCheckpointIntact(t *testing.T) {
	f := newFixture(sevenNotes())
	ctx := context.Background()

	takeover := NewProgress()
	seed, err := json.Marshal(takeover)
	if err != nil {
		t.Fatalf("encoding takeover seed: %v", err)
	}

	gate := make(chan struct{})
	var once sync.Once
	f.proc.fn = func(_ context.Context, item Item) Outcome {
		once.Do(func() {
			// While note 1 embeds, another process stops this run and
			// acquires the slot for a fresh one.
			if err := f.tasks.SetRunning(ctx, TaskName, false); err != nil {
				t.Errorf("clearing run flag: %v", err)
			}
			ok, err := f.tasks.Acquire(ctx, TaskName, takeover.RunID, seed)
			if err != nil || !ok {
				t.Errorf("takeover acquire: ok=%v err=%v", ok, err)
			}
			close(gate)
		})
		<-gate
		return Outcome{OK: true}
	}

	updates, cancel := f.coord.Subscribe()
	defer cancel()

	if !f.coord.ForceRebuild(ctx, false, false) {
		t.Fatal("rebuild did not start")
	}

	// active is raised inside the run goroutine, so wait for the takeover
	// to complete before polling — otherwise the loop can observe false
	// before the run has even started.
	<-gate

	// The takeover holds the row, so the superseded run only settles its
	// in-process flag.
	deadline := time.Now().Add(5 * time.Second)
	for f.coord.active.Load() {
		if time.Now().After(deadline) {
			t.Fatal("superseded run did not settle")
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec := f.tasks.snapshot()
	if rec.RunID != takeover.RunID {
		t.Fatalf("run id = %q, want takeover %q", rec.RunID, takeover.RunID)
	}
	stored, err := DecodeProgress(rec.Output)
	if err != nil {
		t.Fatalf("decoding checkpoint: %v", err)
	}
	if stored.RunID != takeover.RunID || stored.Current != 0 {
		t.Fatalf("takeover checkpoint clobbered: run_id=%q current=%d", stored.RunID, stored.Current)
	}
	if !rec.IsRunning {
		t.Fatal("takeover's run slot released by the superseded run")
	}

	// Local waiters still get a terminal snapshot from the dying run.
	snapDeadline := time.After(5 * time.Second)
	for {
		select {
		case prog := <-updates:
			if !prog.IsRunning {
				return
			}
		case <-snapDeadline:
			t.Fatal("no terminal snapshot from superseded run")
		}
	}
}
