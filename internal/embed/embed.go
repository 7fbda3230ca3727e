// Package embed abstracts embedding generation behind a small interface and
// provides the Genkit-backed production implementation.
package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
)

// Provider generates vector embeddings for batches of texts. Implementations
// must return one vector per input text, in order.
type Provider interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// GenkitProvider adapts a Genkit ai.Embedder to the Provider interface.
// Calls are rate limited per request to avoid tripping provider quotas;
// the rebuild pipeline issues one call per note or attachment.
type GenkitProvider struct {
	embedder ai.Embedder
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewGenkitProvider creates a provider around embedder. ratePerSecond caps
// embedding calls; zero disables the limiter.
func NewGenkitProvider(embedder ai.Embedder, ratePerSecond int, logger *slog.Logger) *GenkitProvider {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
	}

	return &GenkitProvider{
		embedder: embedder,
		limiter:  limiter,
		logger:   logger,
	}
}

// EmbedMany embeds all texts in a single provider call.
func (p *GenkitProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	docs := make([]*ai.Document, 0, len(texts))
	for _, t := range texts {
		docs = append(docs, ai.DocumentFromText(t, nil))
	}

	resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts",
			len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding returned for text %d", i)
		}
		vectors = append(vectors, e.Embedding)
	}

	p.logger.Debug("embedded texts", "count", len(texts))
	return vectors, nil
}
