// Package embedding provides text embedding backends: a remote Ollama
// client, an ONNX local model (requires CGO), and a deterministic mock.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the embedding backend could not be reached or
// returned a failure. Callers treat it as a transient ingestion/query error.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
