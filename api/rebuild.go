package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/quillnote/quill/internal/rebuild"
)

// RebuildController is the coordinator surface the handler drives.
// Satisfied by *rebuild.Coordinator.
type RebuildController interface {
	ForceRebuild(ctx context.Context, force, incremental bool) bool
	StopRebuild(ctx context.Context) bool
	ResumeRebuild(ctx context.Context) bool
	RetryFailedNotes(ctx context.Context) bool
	GetProgress(ctx context.Context) (*rebuild.Progress, error)
	GetFailedNotes(ctx context.Context) ([]int64, error)
	Subscribe() (<-chan *rebuild.Progress, func())
}

// RebuildHandler serves the rebuild control endpoints.
type RebuildHandler struct {
	coord  RebuildController
	logger *slog.Logger
}

// NewRebuildHandler creates a rebuild handler.
func NewRebuildHandler(coord RebuildController, logger *slog.Logger) *RebuildHandler {
	return &RebuildHandler{coord: coord, logger: logger}
}

// RegisterRoutes registers rebuild routes on the given mux.
func (h *RebuildHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rebuild/progress", h.progress)
	mux.HandleFunc("GET /api/rebuild/stream", h.stream)
	mux.HandleFunc("GET /api/rebuild/failed-notes", h.failedNotes)
	mux.HandleFunc("POST /api/rebuild", h.start)
	mux.HandleFunc("POST /api/rebuild/stop", h.stop)
	mux.HandleFunc("POST /api/rebuild/resume", h.resume)
	mux.HandleFunc("POST /api/rebuild/retry", h.retry)
}

// startedResponse reports whether a control operation took effect.
type startedResponse struct {
	Started bool `json:"started"`
}

func (h *RebuildHandler) progress(w http.ResponseWriter, r *http.Request) {
	prog, err := h.coord.GetProgress(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "progress_unavailable", err.Error())
		return
	}
	if prog == nil {
		writeError(w, http.StatusNotFound, "no_progress", "no rebuild has run yet")
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

// stream pushes progress snapshots as server-sent events until the client
// disconnects.
func (h *RebuildHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	updates, cancel := h.coord.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case prog := <-updates:
			data, err := json.Marshal(prog)
			if err != nil {
				h.logger.Error("encoding progress event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *RebuildHandler) failedNotes(w http.ResponseWriter, r *http.Request) {
	ids, err := h.coord.GetFailedNotes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed_notes_unavailable", err.Error())
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_note_ids": ids})
}

func (h *RebuildHandler) start(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	incremental := r.URL.Query().Get("full") != "true"

	started := h.coord.ForceRebuild(r.Context(), force, incremental)
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, startedResponse{Started: started})
}

func (h *RebuildHandler) stop(w http.ResponseWriter, r *http.Request) {
	stopped := h.coord.StopRebuild(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *RebuildHandler) resume(w http.ResponseWriter, r *http.Request) {
	started := h.coord.ResumeRebuild(r.Context())
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, startedResponse{Started: started})
}

func (h *RebuildHandler) retry(w http.ResponseWriter, r *http.Request) {
	started := h.coord.RetryFailedNotes(r.Context())
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, startedResponse{Started: started})
}
