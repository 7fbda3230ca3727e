package vecindex

import (
	"errors"
	"fmt"
)

// ErrUnknownModel indicates the embedder model has no known dimension and no
// override was configured. Index creation must not guess a dimension; a wrong
// value poisons every row written afterwards.
var ErrUnknownModel = errors.New("unknown embedder model dimension")

// modelDimensions maps embedding model identifiers to their output
// dimensions. Matching is exact on the model key.
var modelDimensions = map[string]int{
	// OpenAI
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,

	// Google
	"gemini-embedding-001":            3072,
	"text-embedding-004":              768,
	"text-embedding-005":              768,
	"text-multilingual-embedding-002": 768,

	// Open-weight families commonly served via Ollama
	"bge-m3":                 1024,
	"mxbai-embed-large":      1024,
	"nomic-embed-text":       768,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
}

// ResolveDimension returns the vector dimension for modelKey. A positive
// override always wins; otherwise the model table is consulted. Unknown
// models without an override fail with ErrUnknownModel before any index
// mutation can happen.
func ResolveDimension(modelKey string, override int) (int, error) {
	if override > 0 {
		return override, nil
	}

	if dim, ok := modelDimensions[modelKey]; ok {
		return dim, nil
	}

	return 0, fmt.Errorf("%w: %q (set embedder_dimension to override)", ErrUnknownModel, modelKey)
}
