// Package embedder provides interfaces for text embedding providers.
//
// It defines the Provider interface that all embedding implementations must satisfy,
// enabling text-to-vector conversion for similarity search. The engine only
// depends on this interface; model choice belongs to the caller.
package embedder

import (
	"context"
	"errors"

	"github.com/oceanbase/tiermem-go/pkg/intelligence"
)

// ErrEmbedding is returned when a provider fails to produce a vector.
var ErrEmbedding = errors.New("embedding generation failed")

// Provider defines the interface for embedding providers.
//
// All embedding implementations (OpenAI-compatible, mock, etc.) must implement this interface.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - text: The input text to embed
	//
	// Returns the embedding vector and any error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple text strings into vector embeddings.
	//
	// The returned slice is ordered like texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Similarity returns the cosine similarity of two vectors produced by
	// this provider.
	Similarity(a, b []float32) float64

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error

	// Dimensions returns the dimension of embedding vectors produced by this provider.
	//
	// For example, OpenAI's text-embedding-ada-002 produces 1536-dimensional vectors.
	Dimensions() int

	// Model names the embedding model, recorded on every stored embedding.
	Model() string

	// Close closes the provider and releases resources.
	Close() error
}

// Cosine is the similarity used by every bundled provider.
func Cosine(a, b []float32) float64 {
	return intelligence.CosineSimilarity(a, b)
}
