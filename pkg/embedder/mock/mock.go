// Package mock provides a deterministic embedder for tests and examples.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/oceanbase/tiermem-go/pkg/embedder"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// Embedder generates deterministic embeddings based on a text hash.
// Texts registered with Set return their fixed vector instead, which lets
// tests pin exact similarities.
type Embedder struct {
	dimensions int

	mu    sync.RWMutex
	fixed map[string][]float32
	err   error
	calls int
}

var _ embedder.Provider = (*Embedder)(nil)

// New creates a mock embedder producing vectors of the given size. Zero
// means DefaultDimensions.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions, fixed: make(map[string][]float32)}
}

// Set pins the vector returned for text.
func (m *Embedder) Set(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[key(text)] = append([]float32(nil), vec...)
}

// FailWith makes every following call return err. Nil restores normal behaviour.
func (m *Embedder) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of Embed invocations.
func (m *Embedder) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func key(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	err := m.err
	fixed, ok := m.fixed[key(text)]
	m.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %w", embedder.ErrEmbedding, err)
	}
	if ok {
		return append([]float32(nil), fixed...), nil
	}
	return hashVector(key(text), m.dimensions), nil
}

// hashVector seeds a linear congruential generator with the FNV hash of
// text and normalizes the result.
func hashVector(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / n
	}
	return out
}

// EmbedBatch embeds each text in order.
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Similarity returns cosine similarity.
func (m *Embedder) Similarity(a, b []float32) float64 { return embedder.Cosine(a, b) }

// HealthCheck fails while a failure is injected.
func (m *Embedder) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return fmt.Errorf("%w: %w", embedder.ErrEmbedding, m.err)
	}
	return ctx.Err()
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int { return m.dimensions }

// Model returns "mock".
func (m *Embedder) Model() string { return "mock" }

// Close is a no-op.
func (m *Embedder) Close() error { return nil }
