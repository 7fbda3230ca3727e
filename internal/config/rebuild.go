package config

import "time"

// RebuildConfig tunes the embedding-index rebuild pipeline.
type RebuildConfig struct {
	// Schedule is a standard 5-field cron expression for periodic
	// incremental rebuilds.
	Schedule string `mapstructure:"schedule" json:"schedule"`

	// BatchSize is the number of notes processed between cancellation
	// checks and progress accumulation. Processing within a batch is
	// sequential; this is not a concurrency knob.
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`

	// MaxRetries bounds embed-and-upsert attempts per item. Backoff is
	// linear: attempt n sleeps n seconds before retrying.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`

	// IndexName is the pgvector table backing the note index.
	IndexName string `mapstructure:"index_name" json:"index_name"`

	// ResumeDelay is how long boot recovery waits before auto-resuming an
	// interrupted run, giving the process time to finish starting up.
	ResumeDelay time.Duration `mapstructure:"resume_delay" json:"resume_delay"`

	// EmbedRatePerSecond caps embedding provider calls. Zero disables the
	// limiter.
	EmbedRatePerSecond int `mapstructure:"embed_rate_per_second" json:"embed_rate_per_second"`
}
