// Package app assembles the application from configuration: database pool,
// Genkit embedder, stores, the rebuild coordinator and its scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillnote/quill/db"
	"github.com/quillnote/quill/internal/config"
	"github.com/quillnote/quill/internal/embed"
	"github.com/quillnote/quill/internal/log"
	"github.com/quillnote/quill/internal/note"
	"github.com/quillnote/quill/internal/notify"
	"github.com/quillnote/quill/internal/observability"
	"github.com/quillnote/quill/internal/rebuild"
	"github.com/quillnote/quill/internal/schedule"
	"github.com/quillnote/quill/internal/search"
	"github.com/quillnote/quill/internal/task"
	"github.com/quillnote/quill/internal/vecindex"
)

// App holds the wired application components.
type App struct {
	Config      *config.Config
	Logger      log.Logger
	Pool        *pgxpool.Pool
	Notes       *note.Store
	Tasks       *task.Store
	Index       *vecindex.Manager
	Coordinator *rebuild.Coordinator
	Scheduler   *schedule.Scheduler
	Searcher    *search.Searcher

	cleanups []func(context.Context) error
}

// New loads configuration, runs migrations, and wires every component.
// Call Close when done.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig wires the application from an already-validated config.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	a := &App{Config: cfg, Logger: logger}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "quill",
	}, logger)
	if err != nil {
		return nil, err
	}
	a.cleanups = append(a.cleanups, shutdownTracing)

	pool, err := providePool(ctx, cfg, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.Pool = pool
	a.cleanups = append(a.cleanups, func(context.Context) error {
		pool.Close()
		return nil
	})

	embedder, err := provideEmbedder(ctx, cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	provider := embed.NewGenkitProvider(embedder, cfg.Rebuild.EmbedRatePerSecond, logger)

	a.Notes = note.NewStore(pool, logger)
	a.Tasks = task.NewStore(pool, logger)
	a.Index = vecindex.NewManager(pool, logger)

	processor := rebuild.NewProcessor(provider, a.Index, cfg.Rebuild.IndexName, cfg.Rebuild.MaxRetries, logger)

	a.Coordinator = rebuild.NewCoordinator(rebuild.Config{
		IndexName:         cfg.Rebuild.IndexName,
		BatchSize:         cfg.Rebuild.BatchSize,
		EmbedderModel:     cfg.EmbedderModel,
		DimensionOverride: cfg.EmbedderDimension,
	}, a.Tasks, a.Notes, a.Index, processor, notify.NewLogSink(logger), logger)

	a.Scheduler = schedule.New(rebuild.TaskName, a.Coordinator, a.Tasks, cfg.Rebuild.ResumeDelay, logger)

	a.Searcher = search.New(provider, a.Index, a.Notes, cfg.Rebuild.IndexName,
		cfg.Search.TopK, cfg.Search.MinScore, logger)

	return a, nil
}

// Close releases resources in reverse wiring order.
func (a *App) Close(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	return a.close(ctx)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

// providePool runs migrations then opens a pgx connection pool.
func providePool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideEmbedder initializes Genkit with the configured provider and returns
// its embedder.
func provideEmbedder(ctx context.Context, cfg *config.Config) (ai.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		g := genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		embedder := genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
		if embedder == nil {
			return nil, fmt.Errorf("unknown openai embedder model %q", cfg.EmbedderModel)
		}
		return embedder, nil

	default: // gemini
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel), nil
	}
}
