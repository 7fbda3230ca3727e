// Package search answers semantic queries against the embedding index.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/quillnote/quill/internal/note"
	"github.com/quillnote/quill/internal/vecindex"
)

// Embedder produces query vectors. Satisfied by embed providers.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Index runs similarity queries. Satisfied by *vecindex.Manager.
type Index interface {
	Query(ctx context.Context, indexName string, vector []float32, topK int) ([]vecindex.Match, error)
}

// NoteSource hydrates matched notes. Satisfied by *note.Store.
type NoteSource interface {
	GetByIDs(ctx context.Context, ids []int64) ([]note.Note, error)
}

// Result is one matched note with its best similarity score and the matching
// chunks that produced it.
type Result struct {
	Note   note.Note `json:"note"`
	Score  float64   `json:"score"`
	Chunks []string  `json:"chunks"`
}

// Searcher embeds the query, searches the vector index, filters weak matches
// and hydrates the surviving notes.
type Searcher struct {
	embedder  Embedder
	index     Index
	notes     NoteSource
	indexName string
	topK      int
	minScore  float64
	logger    *slog.Logger
}

// New creates a searcher over the named index.
func New(embedder Embedder, index Index, notes NoteSource, indexName string, topK int, minScore float64, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		embedder:  embedder,
		index:     index,
		notes:     notes,
		indexName: indexName,
		topK:      topK,
		minScore:  minScore,
		logger:    logger,
	}
}

// Search returns the notes most similar to query, best match first. Multiple
// index rows from the same note (body plus attachments) collapse into one
// result carrying the highest score.
func (s *Searcher) Search(ctx context.Context, query string) ([]Result, error) {
	if query == "" {
		return nil, nil
	}

	vectors, err := s.embedder.EmbedMany(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.index.Query(ctx, s.indexName, vectors[0], s.topK)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	best := make(map[int64]*Result)
	order := make([]int64, 0, len(matches))
	for _, m := range matches {
		if m.Score < s.minScore {
			continue
		}
		r, ok := best[m.NoteID]
		if !ok {
			r = &Result{Score: m.Score}
			best[m.NoteID] = r
			order = append(order, m.NoteID)
		}
		if m.Score > r.Score {
			r.Score = m.Score
		}
		r.Chunks = append(r.Chunks, m.Content)
	}
	if len(best) == 0 {
		return nil, nil
	}

	hydrated, err := s.notes.GetByIDs(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("loading matched notes: %w", err)
	}
	byID := make(map[int64]note.Note, len(hydrated))
	for _, n := range hydrated {
		byID[n.ID] = n
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		n, ok := byID[id]
		if !ok {
			// Note deleted since the index was built; drop the stale match.
			s.logger.Debug("dropping match for missing note", "note_id", id)
			continue
		}
		r := best[id]
		r.Note = n
		results = append(results, *r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results, nil
}
