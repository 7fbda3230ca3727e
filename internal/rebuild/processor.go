package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quillnote/quill/internal/embed"
	"github.com/quillnote/quill/internal/vecindex"
)

// Item is one embeddable unit of work: a note body or a text attachment.
// Image attachments are filtered out before reaching the processor.
type Item struct {
	SourceID     string
	NoteID       int64
	IsAttachment bool
	Text         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Outcome reports how processing an item ended. Err is informational; the
// processor never lets an item failure escape as an error, so one bad note
// cannot abort a batch.
type Outcome struct {
	OK  bool
	Err error
}

// Upserter writes embedded rows into a vector index.
type Upserter interface {
	Upsert(ctx context.Context, name string, rows []vecindex.Row) error
}

// Processor wraps a single item's embed-and-upsert call with bounded retry
// and linear backoff.
type Processor struct {
	embedder  embed.Provider
	index     Upserter
	indexName string

	maxRetries int
	// backoffUnit scales the linear backoff: attempt n sleeps n units.
	// Production uses one second; tests shrink it.
	backoffUnit time.Duration

	logger *slog.Logger
}

// NewProcessor creates a processor. maxRetries below 1 is clamped to 1.
func NewProcessor(embedder embed.Provider, index Upserter, indexName string, maxRetries int, logger *slog.Logger) *Processor {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		embedder:    embedder,
		index:       index,
		indexName:   indexName,
		maxRetries:  maxRetries,
		backoffUnit: time.Second,
		logger:      logger,
	}
}

// Process embeds the item and upserts it into the index, retrying transient
// failures up to maxRetries attempts with linear backoff (1s, 2s, ...).
// Context cancellation aborts the backoff wait immediately.
func (p *Processor) Process(ctx context.Context, item Item) Outcome {
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		err := p.embedAndUpsert(ctx, item)
		if err == nil {
			return Outcome{OK: true}
		}
		lastErr = err

		p.logger.Warn("embed attempt failed",
			"source_id", item.SourceID,
			"attempt", attempt,
			"max_retries", p.maxRetries,
			"error", err)

		if attempt == p.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return Outcome{OK: false, Err: fmt.Errorf("canceled during retry backoff: %w", ctx.Err())}
		case <-time.After(time.Duration(attempt) * p.backoffUnit):
		}
	}

	return Outcome{
		OK:  false,
		Err: fmt.Errorf("processing %s after %d attempts: %w", item.SourceID, p.maxRetries, lastErr),
	}
}

func (p *Processor) embedAndUpsert(ctx context.Context, item Item) error {
	vectors, err := p.embedder.EmbedMany(ctx, []string{item.Text})
	if err != nil {
		return err
	}

	row := vecindex.Row{
		SourceID:     item.SourceID,
		NoteID:       item.NoteID,
		IsAttachment: item.IsAttachment,
		Content:      item.Text,
		Embedding:    vectors[0],
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}

	return p.index.Upsert(ctx, p.indexName, []vecindex.Row{row})
}

// NoteSourceID returns the index source id for a note body.
func NoteSourceID(noteID int64) string {
	return fmt.Sprintf("note:%d", noteID)
}

// AttachmentSourceID returns the index source id for an attachment.
func AttachmentSourceID(noteID, attachmentID int64) string {
	return fmt.Sprintf("attachment:%d:%d", noteID, attachmentID)
}
