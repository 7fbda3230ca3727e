// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (QUILL_* prefix, plus DATABASE_URL)
//  2. Config file (~/.quill/config.yaml)
//  3. Default values
//
// Categories:
//   - AI: provider and embedder model for vector embeddings
//   - Storage: PostgreSQL connection (see storage.go)
//   - Rebuild: index rebuild pipeline tuning (see rebuild.go)
//   - Search: retrieval tuning (topK, minimum score)
//
// Validation lives in validation.go and uses sentinel errors so callers can
// branch with errors.Is().
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidEmbedderModel indicates the embedder model is empty or malformed.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedderDimension indicates the embedder dimension override is out of range.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidSchedule indicates the rebuild cron schedule is invalid.
	ErrInvalidSchedule = errors.New("invalid rebuild schedule")

	// ErrInvalidBatchSize indicates the rebuild batch size is out of range.
	ErrInvalidBatchSize = errors.New("invalid rebuild batch size")

	// ErrInvalidMaxRetries indicates the per-item retry limit is out of range.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidTopK indicates the search topK is out of range.
	ErrInvalidTopK = errors.New("invalid search topK")

	// ErrInvalidMinScore indicates the minimum similarity score is out of range.
	ErrInvalidMinScore = errors.New("invalid minimum score")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// text-embedding-004 outputs 768 dimensions.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultRebuildSchedule runs an incremental rebuild nightly at 03:00.
	DefaultRebuildSchedule = "0 3 * * *"

	// DefaultBatchSize is the number of notes processed between cancellation
	// checks. Batching bounds checkpoint granularity, not concurrency.
	DefaultBatchSize = 5

	// DefaultMaxRetries is the per-item embed attempt limit.
	DefaultMaxRetries = 3

	// DefaultSearchTopK is the number of nearest vectors fetched per query.
	DefaultSearchTopK = 10

	// DefaultMinScore is the similarity floor applied after the topK fetch.
	DefaultMinScore = 0.35
)

// Config stores application configuration.
type Config struct {
	// AI provider and embedder configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// EmbedderDimension overrides the model dimension table. Zero means
	// "resolve from the model name"; unknown models then fail validation
	// before any index is created.
	EmbedderDimension int `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Rebuild pipeline configuration (see rebuild.go)
	Rebuild RebuildConfig `mapstructure:"rebuild" json:"rebuild"`

	// Search configuration
	Search SearchConfig `mapstructure:"search" json:"search"`

	// HTTP control API
	APIAddr string `mapstructure:"api_addr" json:"api_addr"`

	// Observability
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// SearchConfig holds retrieval tuning.
type SearchConfig struct {
	// TopK nearest vectors are fetched from the index, then results below
	// MinScore are discarded. The two-stage filter avoids padding responses
	// with low-relevance matches.
	TopK     int     `mapstructure:"top_k" json:"top_k"`
	MinScore float64 `mapstructure:"min_score" json:"min_score"`
}

// Load reads configuration from defaults, the config file, and the
// environment, then validates the result.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config file is optional; missing file falls back to defaults + env.
	configDir, err := Dir()
	if err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Dir returns the quill configuration directory (~/.quill), creating it
// if necessary.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	dir := filepath.Join(home, ".quill")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	return dir, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedder_dimension", 0)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "quill")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "quill")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("rebuild.schedule", DefaultRebuildSchedule)
	v.SetDefault("rebuild.batch_size", DefaultBatchSize)
	v.SetDefault("rebuild.max_retries", DefaultMaxRetries)
	v.SetDefault("rebuild.index_name", "note_vectors")
	v.SetDefault("rebuild.resume_delay", "10s")
	v.SetDefault("rebuild.embed_rate_per_second", 5)

	v.SetDefault("search.top_k", DefaultSearchTopK)
	v.SetDefault("search.min_score", DefaultMinScore)

	v.SetDefault("api_addr", "127.0.0.1:3500")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}
