package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// validSSLModes are the sslmode values libpq/pgx accept.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration for consistency. It returns a sentinel
// error (wrapped with detail) for the first violation found.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidProvider, c.Provider, ProviderGemini, ProviderOpenAI)
	}

	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	// 16000 comfortably covers every published embedding model family.
	if c.EmbedderDimension < 0 || c.EmbedderDimension > 16000 {
		return fmt.Errorf("%w: %d (expected 0 or 1..16000)",
			ErrInvalidEmbedderDimension, c.EmbedderDimension)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if _, err := cron.ParseStandard(c.Rebuild.Schedule); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, c.Rebuild.Schedule, err)
	}
	if c.Rebuild.BatchSize < 1 || c.Rebuild.BatchSize > 1000 {
		return fmt.Errorf("%w: %d (expected 1..1000)", ErrInvalidBatchSize, c.Rebuild.BatchSize)
	}
	if c.Rebuild.MaxRetries < 1 || c.Rebuild.MaxRetries > 10 {
		return fmt.Errorf("%w: %d (expected 1..10)", ErrInvalidMaxRetries, c.Rebuild.MaxRetries)
	}

	if c.Search.TopK < 1 || c.Search.TopK > 1000 {
		return fmt.Errorf("%w: %d (expected 1..1000)", ErrInvalidTopK, c.Search.TopK)
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("%w: %g (expected 0..1)", ErrInvalidMinScore, c.Search.MinScore)
	}

	return nil
}
