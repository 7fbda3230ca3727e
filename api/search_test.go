package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quillnote/quill/internal/log"
	"github.com/quillnote/quill/internal/note"
	"github.com/quillnote/quill/internal/search"
)

type fakeSearcher struct {
	results []search.Result
	err     error
	query   string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]search.Result, error) {
	f.query = query
	return f.results, f.err
}

func newSearchMux(s *fakeSearcher) *http.ServeMux {
	mux := http.NewServeMux()
	NewSearchHandler(s, log.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		{Note: note.Note{ID: 1, Title: "groceries"}, Score: 0.82, Chunks: []string{"buy milk"}},
	}}
	mux := newSearchMux(searcher)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"milk"}`))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if searcher.query != "milk" {
		t.Fatalf("searcher received query %q", searcher.query)
	}

	var got searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Results) != 1 || got.Results[0].Note.ID != 1 {
		t.Fatalf("results = %+v", got.Results)
	}
}

func TestSearchEndpointEmptyQuery(t *testing.T) {
	mux := newSearchMux(&fakeSearcher{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":""}`))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSearchEndpointBadBody(t *testing.T) {
	mux := newSearchMux(&fakeSearcher{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`not json`))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSearchEndpointNoMatches(t *testing.T) {
	mux := newSearchMux(&fakeSearcher{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"nothing"}`))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Fatalf("body = %s, want empty array not null", rec.Body.String())
	}
}

func TestSearchEndpointError(t *testing.T) {
	mux := newSearchMux(&fakeSearcher{err: errors.New("index unavailable")})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"milk"}`))
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
