package search

import (
	"context"
	"errors"
	"testing"

	"github.com/quillnote/quill/internal/log"
	"github.com/quillnote/quill/internal/note"
	"github.com/quillnote/quill/internal/vecindex"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

type fakeIndex struct {
	matches []vecindex.Match
	err     error
}

func (f *fakeIndex) Query(_ context.Context, _ string, _ []float32, _ int) ([]vecindex.Match, error) {
	return f.matches, f.err
}

type fakeNotes struct {
	notes []note.Note
}

func (f *fakeNotes) GetByIDs(_ context.Context, ids []int64) ([]note.Note, error) {
	var out []note.Note
	for _, n := range f.notes {
		for _, id := range ids {
			if n.ID == id {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func newSearcher(index *fakeIndex, notes *fakeNotes) *Searcher {
	return New(&fakeEmbedder{}, index, notes, "note_vectors", 10, 0.35, log.NewNop())
}

func TestSearchFiltersByMinScore(t *testing.T) {
	index := &fakeIndex{matches: []vecindex.Match{
		{SourceID: "note:1", NoteID: 1, Content: "strong match", Score: 0.9},
		{SourceID: "note:2", NoteID: 2, Content: "weak match", Score: 0.2},
	}}
	notes := &fakeNotes{notes: []note.Note{{ID: 1, Title: "one"}, {ID: 2, Title: "two"}}}

	results, err := newSearcher(index, notes).Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Note.ID != 1 {
		t.Fatalf("results = %+v, want only note 1", results)
	}
}

func TestSearchCollapsesChunksPerNote(t *testing.T) {
	index := &fakeIndex{matches: []vecindex.Match{
		{SourceID: "note:1", NoteID: 1, Content: "body", Score: 0.7},
		{SourceID: "attachment:1:5", NoteID: 1, IsAttachment: true, Content: "attachment text", Score: 0.9},
		{SourceID: "note:2", NoteID: 2, Content: "other", Score: 0.8},
	}}
	notes := &fakeNotes{notes: []note.Note{{ID: 1, Title: "one"}, {ID: 2, Title: "two"}}}

	results, err := newSearcher(index, notes).Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2 collapsed notes", results)
	}

	// Best match first, carrying its highest chunk score.
	if results[0].Note.ID != 1 || results[0].Score != 0.9 {
		t.Fatalf("top result = %+v", results[0])
	}
	if len(results[0].Chunks) != 2 {
		t.Fatalf("chunks = %v, want both body and attachment", results[0].Chunks)
	}
}

func TestSearchDropsStaleMatches(t *testing.T) {
	// Note 9 was deleted after the index was built.
	index := &fakeIndex{matches: []vecindex.Match{
		{SourceID: "note:9", NoteID: 9, Content: "gone", Score: 0.95},
		{SourceID: "note:1", NoteID: 1, Content: "still here", Score: 0.6},
	}}
	notes := &fakeNotes{notes: []note.Note{{ID: 1, Title: "one"}}}

	results, err := newSearcher(index, notes).Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Note.ID != 1 {
		t.Fatalf("results = %+v, want the surviving note only", results)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	results, err := newSearcher(&fakeIndex{}, &fakeNotes{}).Search(context.Background(), "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Fatalf("results = %+v, want nil", results)
	}
}

func TestSearchPropagatesIndexError(t *testing.T) {
	index := &fakeIndex{err: errors.New("index gone")}
	if _, err := newSearcher(index, &fakeNotes{}).Search(context.Background(), "query"); err == nil {
		t.Fatal("expected error from index query")
	}
}
