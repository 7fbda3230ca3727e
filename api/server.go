// Package api exposes the rebuild pipeline and semantic search over a local
// HTTP control surface.
//
// Endpoints:
//
//	GET  /health                     liveness probe
//	GET  /ready                      readiness probe (pings the database)
//	GET  /api/rebuild/progress       current checkpoint
//	GET  /api/rebuild/stream         progress updates over SSE
//	GET  /api/rebuild/failed-notes   note ids that exhausted retries
//	POST /api/rebuild                start a run (?force=true, ?full=true)
//	POST /api/rebuild/stop           request cooperative cancellation
//	POST /api/rebuild/resume         resume a stopped run
//	POST /api/rebuild/retry          re-queue failed notes
//	POST /api/search                 semantic note search
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillnote/quill/internal/rebuild"
	"github.com/quillnote/quill/internal/search"
)

const (
	// DefaultAddr is the default listen address. Loopback only; the API has
	// no authentication.
	DefaultAddr = "127.0.0.1:3500"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP control server.
type Server struct {
	mux *http.ServeMux

	health  *HealthHandler
	rebuild *RebuildHandler
	search  *SearchHandler

	logger *slog.Logger
}

// NewServer creates the server with all routes registered.
func NewServer(coord *rebuild.Coordinator, searcher *search.Searcher, pool *pgxpool.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		health:  NewHealthHandler(pool, logger),
		rebuild: NewRebuildHandler(coord, logger),
		search:  NewSearchHandler(searcher, logger),
		logger:  logger,
	}

	s.health.RegisterRoutes(mux)
	s.rebuild.RegisterRoutes(mux)
	s.search.RegisterRoutes(mux)

	return s
}

// Handler returns the mux wrapped in recovery and logging middleware.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		// WriteTimeout stays unset: the SSE stream endpoint holds its
		// response open indefinitely.
		IdleTimeout: IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
