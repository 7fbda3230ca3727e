package rebuild

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the RebuildProgress wire version. Bump on any change to
// the persisted shape so a newer binary can refuse or migrate an older blob
// instead of silently drifting.
const SchemaVersion = 1

// maxResults caps the persisted result log. A run over thousands of notes
// keeps only the most recent entries, bounding checkpoint size.
const maxResults = 50

// ResultType classifies a ResultRecord.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultSkip    ResultType = "skip"
	ResultError   ResultType = "error"
)

// ResultRecord is one entry in the bounded result log.
type ResultRecord struct {
	Type      ResultType `json:"type"`
	Content   string     `json:"content"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Progress is the durable checkpoint of a rebuild run. It is persisted as
// the output column of the job's scheduled-task row after every processed
// note, so a crash loses at most one note's work.
//
// Progress is not safe for concurrent mutation; the coordinator owns it for
// the duration of a run and hands out deep copies to observers.
type Progress struct {
	// RunID names the run this checkpoint belongs to. Every seeded run gets
	// a fresh id; persisted writes are fenced on it so a superseded run
	// cannot overwrite its successor's checkpoint.
	RunID string

	Current       int
	Total         int
	Percentage    int
	IsRunning     bool
	IsIncremental bool

	processed map[int64]struct{}
	failed    map[int64]struct{}
	skipped   map[int64]struct{}

	Results         []ResultRecord
	LastProcessedID int64
	RetryCount      int
	StartTime       time.Time
	LastUpdate      time.Time
}

// progressJSON is the versioned wire form. ID sets are serialized as sorted
// slices for stable output.
type progressJSON struct {
	Version         int            `json:"version"`
	RunID           string         `json:"run_id,omitempty"`
	Current         int            `json:"current"`
	Total           int            `json:"total"`
	Percentage      int            `json:"percentage"`
	IsRunning       bool           `json:"is_running"`
	IsIncremental   bool           `json:"is_incremental"`
	ProcessedIDs    []int64        `json:"processed_note_ids"`
	FailedIDs       []int64        `json:"failed_note_ids"`
	SkippedIDs      []int64        `json:"skipped_note_ids"`
	Results         []ResultRecord `json:"results"`
	LastProcessedID int64          `json:"last_processed_id,omitempty"`
	RetryCount      int            `json:"retry_count"`
	StartTime       time.Time      `json:"start_time"`
	LastUpdate      time.Time      `json:"last_update"`
}

// NewProgress seeds a fresh full-rebuild checkpoint.
func NewProgress() *Progress {
	now := time.Now()
	return &Progress{
		RunID:      uuid.NewString(),
		IsRunning:  true,
		processed:  make(map[int64]struct{}),
		failed:     make(map[int64]struct{}),
		skipped:    make(map[int64]struct{}),
		StartTime:  now,
		LastUpdate: now,
	}
}

// SeedIncremental derives the checkpoint for an incremental run from a prior
// one: the processed/failed/skipped sets and start time carry over, the
// retry counter increments, and the run is marked active. Current restarts
// at the number of already-settled notes so the percentage stays meaningful.
func (p *Progress) SeedIncremental() *Progress {
	next := p.Clone()
	next.RunID = uuid.NewString()
	next.IsRunning = true
	next.IsIncremental = true
	next.RetryCount++
	next.Current = len(next.processed) + len(next.skipped)
	next.Total = next.Current
	next.Percentage = 0
	next.LastUpdate = time.Now()
	if next.StartTime.IsZero() {
		next.StartTime = next.LastUpdate
	}
	return next
}

// PrepareRetry rewinds failed notes so an incremental run picks them up
// again: failed ids leave the processed set, the failed set clears, and the
// run is marked active and incremental.
func (p *Progress) PrepareRetry() *Progress {
	next := p.Clone()
	for id := range next.failed {
		delete(next.processed, id)
		delete(next.skipped, id)
	}
	next.failed = make(map[int64]struct{})
	next.RunID = uuid.NewString()
	next.IsRunning = true
	next.IsIncremental = true
	next.RetryCount++
	next.Current = len(next.processed) + len(next.skipped)
	next.Total = next.Current
	next.Percentage = 0
	next.LastUpdate = time.Now()
	return next
}

// HasProcessed reports whether id already counted toward this task's
// processed set.
func (p *Progress) HasProcessed(id int64) bool {
	_, ok := p.processed[id]
	return ok
}

// HasSettled reports whether id needs no further work (processed or skipped).
func (p *Progress) HasSettled(id int64) bool {
	if _, ok := p.processed[id]; ok {
		return true
	}
	_, ok := p.skipped[id]
	return ok
}

// MarkProcessed records a successful note. A previously failed id moving to
// processed leaves the failed set; within one run an id is never counted in
// Current more than once because settled ids are skipped before processing.
func (p *Progress) MarkProcessed(id int64) {
	delete(p.failed, id)
	delete(p.skipped, id)
	p.processed[id] = struct{}{}
	p.Current++
	p.LastProcessedID = id
	p.LastUpdate = time.Now()
}

// MarkFailed records a note whose every embed attempt failed. Failed notes
// do not advance Current; a later run may still move them to processed.
func (p *Progress) MarkFailed(id int64) {
	delete(p.processed, id)
	p.failed[id] = struct{}{}
	p.LastProcessedID = id
	p.LastUpdate = time.Now()
}

// MarkSkipped records a note with nothing embeddable (empty content and no
// text attachments). Skipped notes count toward Current so runs terminate
// at Total, but are tracked separately from successes.
func (p *Progress) MarkSkipped(id int64) {
	delete(p.failed, id)
	p.skipped[id] = struct{}{}
	p.Current++
	p.LastProcessedID = id
	p.LastUpdate = time.Now()
}

// AppendResult appends to the result log, truncating to the most recent
// maxResults entries.
func (p *Progress) AppendResult(r ResultRecord) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	p.Results = append(p.Results, r)
	if len(p.Results) > maxResults {
		p.Results = p.Results[len(p.Results)-maxResults:]
	}
}

// UpdatePercentage recomputes the derived percentage: floor(current/total*100).
func (p *Progress) UpdatePercentage() {
	if p.Total <= 0 {
		p.Percentage = 0
		return
	}
	p.Percentage = p.Current * 100 / p.Total
}

// ProcessedIDs returns the processed set as a sorted slice.
func (p *Progress) ProcessedIDs() []int64 { return sortedIDs(p.processed) }

// FailedIDs returns the failed set as a sorted slice.
func (p *Progress) FailedIDs() []int64 { return sortedIDs(p.failed) }

// SkippedIDs returns the skipped set as a sorted slice.
func (p *Progress) SkippedIDs() []int64 { return sortedIDs(p.skipped) }

// SettledIDs returns processed ∪ skipped, the ids an incremental candidate
// scan excludes.
func (p *Progress) SettledIDs() []int64 {
	ids := make([]int64, 0, len(p.processed)+len(p.skipped))
	for id := range p.processed {
		ids = append(ids, id)
	}
	for id := range p.skipped {
		if _, dup := p.processed[id]; !dup {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Clone returns a deep copy, used for subscriber snapshots and seeding.
func (p *Progress) Clone() *Progress {
	next := *p
	next.processed = make(map[int64]struct{}, len(p.processed))
	for id := range p.processed {
		next.processed[id] = struct{}{}
	}
	next.failed = make(map[int64]struct{}, len(p.failed))
	for id := range p.failed {
		next.failed[id] = struct{}{}
	}
	next.skipped = make(map[int64]struct{}, len(p.skipped))
	for id := range p.skipped {
		next.skipped[id] = struct{}{}
	}
	next.Results = slices.Clone(p.Results)
	return &next
}

// MarshalJSON implements json.Marshaler with the versioned wire form.
func (p *Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(progressJSON{
		Version:         SchemaVersion,
		RunID:           p.RunID,
		Current:         p.Current,
		Total:           p.Total,
		Percentage:      p.Percentage,
		IsRunning:       p.IsRunning,
		IsIncremental:   p.IsIncremental,
		ProcessedIDs:    p.ProcessedIDs(),
		FailedIDs:       p.FailedIDs(),
		SkippedIDs:      p.SkippedIDs(),
		Results:         p.Results,
		LastProcessedID: p.LastProcessedID,
		RetryCount:      p.RetryCount,
		StartTime:       p.StartTime,
		LastUpdate:      p.LastUpdate,
	})
}

// UnmarshalJSON implements json.Unmarshaler, rejecting newer schema versions.
func (p *Progress) UnmarshalJSON(data []byte) error {
	var wire progressJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Version > SchemaVersion {
		return fmt.Errorf("progress schema version %d is newer than supported %d",
			wire.Version, SchemaVersion)
	}

	p.RunID = wire.RunID
	p.Current = wire.Current
	p.Total = wire.Total
	p.Percentage = wire.Percentage
	p.IsRunning = wire.IsRunning
	p.IsIncremental = wire.IsIncremental
	p.Results = wire.Results
	p.LastProcessedID = wire.LastProcessedID
	p.RetryCount = wire.RetryCount
	p.StartTime = wire.StartTime
	p.LastUpdate = wire.LastUpdate

	p.processed = make(map[int64]struct{}, len(wire.ProcessedIDs))
	for _, id := range wire.ProcessedIDs {
		p.processed[id] = struct{}{}
	}
	p.failed = make(map[int64]struct{}, len(wire.FailedIDs))
	for _, id := range wire.FailedIDs {
		p.failed[id] = struct{}{}
	}
	p.skipped = make(map[int64]struct{}, len(wire.SkippedIDs))
	for _, id := range wire.SkippedIDs {
		p.skipped[id] = struct{}{}
	}

	return nil
}

// DecodeProgress parses a persisted checkpoint. A null or empty payload
// (task row exists but no run was ever seeded) decodes to nil.
func DecodeProgress(data []byte) (*Progress, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	p := &Progress{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding rebuild progress: %w", err)
	}
	return p, nil
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
