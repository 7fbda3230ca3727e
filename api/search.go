package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quillnote/quill/internal/search"
)

// NoteSearcher answers semantic queries. Satisfied by *search.Searcher.
type NoteSearcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// SearchHandler serves the semantic search endpoint.
type SearchHandler struct {
	searcher NoteSearcher
	logger   *slog.Logger
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(searcher NoteSearcher, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{searcher: searcher, logger: logger}
}

// RegisterRoutes registers search routes on the given mux.
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/search", h.search)
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Results []search.Result `json:"results"`
}

func (h *SearchHandler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a query field")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "empty_query", "query must not be empty")
		return
	}

	results, err := h.searcher.Search(r.Context(), req.Query)
	if err != nil {
		h.logger.Error("search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}
