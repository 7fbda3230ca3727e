package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quillnote/quill/internal/log"
	"github.com/quillnote/quill/internal/rebuild"
)

type fakeController struct {
	progress  *rebuild.Progress
	failedIDs []int64
	started   bool

	lastForce       bool
	lastIncremental bool
}

func (f *fakeController) ForceRebuild(_ context.Context, force, incremental bool) bool {
	f.lastForce = force
	f.lastIncremental = incremental
	return f.started
}

func (f *fakeController) StopRebuild(context.Context) bool   { return true }
func (f *fakeController) ResumeRebuild(context.Context) bool { return f.started }
func (f *fakeController) RetryFailedNotes(context.Context) bool {
	return f.started
}

func (f *fakeController) GetProgress(context.Context) (*rebuild.Progress, error) {
	return f.progress, nil
}

func (f *fakeController) GetFailedNotes(context.Context) ([]int64, error) {
	return f.failedIDs, nil
}

func (f *fakeController) Subscribe() (<-chan *rebuild.Progress, func()) {
	ch := make(chan *rebuild.Progress)
	return ch, func() { close(ch) }
}

func newRebuildMux(ctrl *fakeController) *http.ServeMux {
	mux := http.NewServeMux()
	NewRebuildHandler(ctrl, log.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestProgressEndpoint(t *testing.T) {
	prog := rebuild.NewProgress()
	prog.Total = 10
	prog.MarkProcessed(1)
	prog.UpdatePercentage()

	mux := newRebuildMux(&fakeController{progress: prog})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rebuild/progress", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got struct {
		Version      int     `json:"version"`
		Current      int     `json:"current"`
		Total        int     `json:"total"`
		ProcessedIDs []int64 `json:"processed_note_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.Version != rebuild.SchemaVersion || got.Current != 1 || got.Total != 10 {
		t.Fatalf("body = %+v", got)
	}
	if len(got.ProcessedIDs) != 1 || got.ProcessedIDs[0] != 1 {
		t.Fatalf("processed ids = %v", got.ProcessedIDs)
	}
}

func TestProgressEndpointNoRun(t *testing.T) {
	mux := newRebuildMux(&fakeController{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rebuild/progress", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any run", rec.Code)
	}
}

func TestStartEndpointFlags(t *testing.T) {
	tests := []struct {
		name            string
		url             string
		wantForce       bool
		wantIncremental bool
	}{
		{"default incremental", "/api/rebuild", false, true},
		{"full", "/api/rebuild?full=true", false, false},
		{"force", "/api/rebuild?force=true", true, true},
		{"force full", "/api/rebuild?force=true&full=true", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{started: true}
			mux := newRebuildMux(ctrl)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.url, nil))

			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d", rec.Code)
			}
			if ctrl.lastForce != tt.wantForce || ctrl.lastIncremental != tt.wantIncremental {
				t.Fatalf("coordinator called with force=%v incremental=%v",
					ctrl.lastForce, ctrl.lastIncremental)
			}
		})
	}
}

func TestStartEndpointConflict(t *testing.T) {
	mux := newRebuildMux(&fakeController{started: false})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rebuild", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 when the slot is taken", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"started":false`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestFailedNotesEndpoint(t *testing.T) {
	mux := newRebuildMux(&fakeController{failedIDs: []int64{4, 9}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rebuild/failed-notes", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		FailedNoteIDs []int64 `json:"failed_note_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.FailedNoteIDs) != 2 {
		t.Fatalf("failed ids = %v", got.FailedNoteIDs)
	}
}

func TestFailedNotesEndpointEmpty(t *testing.T) {
	mux := newRebuildMux(&fakeController{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rebuild/failed-notes", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"failed_note_ids":[]`) {
		t.Fatalf("body = %s, want empty array not null", rec.Body.String())
	}
}

func TestStopEndpoint(t *testing.T) {
	mux := newRebuildMux(&fakeController{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rebuild/stop", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"stopped":true`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
