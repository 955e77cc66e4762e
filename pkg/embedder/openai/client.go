// Package openai implements embedder.Provider on top of the OpenAI
// Embeddings API. Any OpenAI-compatible endpoint works through BaseURL,
// including Alibaba DashScope's compatible mode for Qwen models.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oceanbase/tiermem-go/pkg/embedder"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = string(openai.AdaEmbeddingV2)

	// DefaultDimensions matches DefaultModel.
	DefaultDimensions = 1536

	// QwenBaseURL is DashScope's OpenAI-compatible endpoint.
	QwenBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

	// QwenDefaultModel is the default Qwen embedding model.
	QwenDefaultModel = "text-embedding-v4"
)

// Client is an OpenAI Embedder client.
// It implements the embedder.Provider interface and provides text vectorization functionality based on the OpenAI Embeddings API.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int

	// sendDimensions asks the API for a specific output size; only newer
	// models accept it.
	sendDimensions bool
}

var _ embedder.Provider = (*Client)(nil)

// Config is the configuration for OpenAI Embedder.
// APIKey: OpenAI API key (required)
// Model: Model name to use, defaults to text-embedding-ada-002
// BaseURL: API base URL, defaults to OpenAI official address
// Dimensions: Vector dimensions, defaults to 1536
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// QwenConfig returns a Config pointing at DashScope's compatible endpoint.
func QwenConfig(apiKey string) *Config {
	return &Config{
		APIKey:     apiKey,
		Model:      QwenDefaultModel,
		BaseURL:    QwenBaseURL,
		Dimensions: DefaultDimensions,
	}
}

// NewClient creates a new OpenAI Embedder client.
//
// Args:
//   - cfg: OpenAI Embedder configuration containing APIKey, BaseURL, Dimensions, etc.
//
// Returns:
//   - *Client: OpenAI Embedder client instance
//   - error: Returns an error if the configuration is invalid
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("NewOpenAIEmbedder: api key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = DefaultDimensions
	}

	return &Client{
		client:         openai.NewClientWithConfig(config),
		model:          openai.EmbeddingModel(model),
		dimensions:     dimensions,
		sendDimensions: model != DefaultModel,
	}, nil
}

func (c *Client) request(input []string) openai.EmbeddingRequest {
	req := openai.EmbeddingRequest{Input: input, Model: c.model}
	if c.sendDimensions {
		req.Dimensions = c.dimensions
	}
	return req
}

// Embed converts a single text to a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch converts multiple texts to vectors in one request.
//
// Returns an error if the API call fails or the number of returned results
// doesn't match the input.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, c.request(texts))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", embedder.ErrEmbedding, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: unexpected number of results (got %d, expected %d)",
			embedder.ErrEmbedding, len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, data := range resp.Data {
		idx := data.Index
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		embeddings[idx] = data.Embedding
	}
	return embeddings, nil
}

// Similarity returns cosine similarity.
func (c *Client) Similarity(a, b []float32) float64 { return embedder.Cosine(a, b) }

// HealthCheck embeds a short fixed string.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Embed(ctx, "health check")
	return err
}

// Dimensions returns the vector dimensions.
func (c *Client) Dimensions() int { return c.dimensions }

// Model returns the model name.
func (c *Client) Model() string { return string(c.model) }

// Close closes the client connection.
// The OpenAI SDK client does not require explicit closing; this method is retained for interface compatibility.
func (c *Client) Close() error { return nil }
