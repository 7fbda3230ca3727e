// Package notify delivers job lifecycle notifications to the app frontend.
package notify

import (
	"context"
	"log/slog"
)

// Sink receives named notifications with an optional payload.
type Sink interface {
	Notify(ctx context.Context, kind string, payload map[string]any) error
}

// LogSink writes notifications to the structured log. It stands in wherever
// no push channel to a client is wired up.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify logs the notification at info level.
func (s *LogSink) Notify(ctx context.Context, kind string, payload map[string]any) error {
	attrs := make([]any, 0, 2+2*len(payload))
	attrs = append(attrs, "kind", kind)
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}
