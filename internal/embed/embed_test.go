package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quillnote/quill/internal/log"
)

// registerEmbedder registers a Genkit embedder backed by fn.
func registerEmbedder(t *testing.T, fn func(context.Context, *ai.EmbedRequest) (*ai.EmbedResponse, error)) ai.Embedder {
	t.Helper()
	g := genkit.Init(context.Background())
	return genkit.DefineEmbedder(g, "test/embedder", &ai.EmbedderOptions{
		Label:      "Test Embedder",
		Dimensions: 3,
	}, fn)
}

func constantEmbedder(t *testing.T, vec []float32) ai.Embedder {
	t.Helper()
	return registerEmbedder(t, func(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
		embeddings := make([]*ai.Embedding, len(req.Input))
		for i := range embeddings {
			embeddings[i] = &ai.Embedding{Embedding: vec}
		}
		return &ai.EmbedResponse{Embeddings: embeddings}, nil
	})
}

func TestEmbedManyReturnsOneVectorPerText(t *testing.T) {
	provider := NewGenkitProvider(constantEmbedder(t, []float32{1, 2, 3}), 0, log.NewNop())

	vectors, err := provider.EmbedMany(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	for _, v := range vectors {
		if len(v) != 3 {
			t.Fatalf("vector = %v, want dimension 3", v)
		}
	}
}

func TestEmbedManyEmptyInput(t *testing.T) {
	provider := NewGenkitProvider(constantEmbedder(t, []float32{1}), 0, log.NewNop())

	vectors, err := provider.EmbedMany(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if vectors != nil {
		t.Fatalf("vectors = %v, want nil for empty input", vectors)
	}
}

func TestEmbedManyPropagatesProviderError(t *testing.T) {
	embedder := registerEmbedder(t, func(context.Context, *ai.EmbedRequest) (*ai.EmbedResponse, error) {
		return nil, errors.New("quota exceeded")
	})
	provider := NewGenkitProvider(embedder, 0, log.NewNop())

	if _, err := provider.EmbedMany(context.Background(), []string{"alpha"}); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestEmbedManyRejectsCountMismatch(t *testing.T) {
	embedder := registerEmbedder(t, func(context.Context, *ai.EmbedRequest) (*ai.EmbedResponse, error) {
		return &ai.EmbedResponse{Embeddings: []*ai.Embedding{{Embedding: []float32{1}}}}, nil
	})
	provider := NewGenkitProvider(embedder, 0, log.NewNop())

	if _, err := provider.EmbedMany(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for vector count mismatch")
	}
}

func TestEmbedManyRejectsEmptyVector(t *testing.T) {
	embedder := constantEmbedder(t, nil)
	provider := NewGenkitProvider(embedder, 0, log.NewNop())

	if _, err := provider.EmbedMany(context.Background(), []string{"alpha"}); err == nil {
		t.Fatal("expected error for empty embedding vector")
	}
}
