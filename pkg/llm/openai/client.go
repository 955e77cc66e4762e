// Package openai implements llm.Provider for OpenAI and every
// OpenAI-compatible chat endpoint (DeepSeek, Qwen via DashScope compatible
// mode, Ollama's /v1 API).
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oceanbase/tiermem-go/pkg/llm"
)

// Known OpenAI-compatible endpoints.
const (
	DeepSeekBaseURL = "https://api.deepseek.com"
	QwenBaseURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	OllamaBaseURL   = "http://localhost:11434/v1"
)

// Client is an OpenAI LLM client.
// It implements the llm.Provider interface and provides text generation functionality based on the OpenAI API.
type Client struct {
	client *openai.Client
	model  string
}

var _ llm.Provider = (*Client)(nil)

// Config is the configuration for OpenAI LLM.
// APIKey: API key (optional for Ollama)
// Model: Model name to use, defaults to "gpt-4o-mini"
// BaseURL: API base URL, defaults to OpenAI official address
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// PresetConfig returns a Config for a named provider: "openai", "deepseek",
// "qwen" or "ollama".
func PresetConfig(provider, apiKey, model string) (*Config, error) {
	cfg := &Config{APIKey: apiKey, Model: model}
	switch provider {
	case "", "openai":
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
	case "deepseek":
		cfg.BaseURL = DeepSeekBaseURL
		if cfg.Model == "" {
			cfg.Model = "deepseek-chat"
		}
	case "qwen":
		cfg.BaseURL = QwenBaseURL
		if cfg.Model == "" {
			cfg.Model = "qwen-plus"
		}
	case "ollama":
		cfg.BaseURL = OllamaBaseURL
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		if cfg.Model == "" {
			cfg.Model = "llama3.1"
		}
	default:
		return nil, fmt.Errorf("unsupported OpenAI-compatible provider %q", provider)
	}
	return cfg, nil
}

// NewClient creates a new OpenAI LLM client.
//
// Args:
//   - cfg: OpenAI configuration containing APIKey, Model, and BaseURL
//
// Returns:
//   - *Client: OpenAI client instance
//   - error: Returns an error if the configuration is invalid
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewOpenAILLM: config is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate generates text based on the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages generates text using message history.
// Supports multi-turn conversations and accepts complete message history (including system, user, and assistant messages).
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}
	if options.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", llm.ErrGeneration, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", llm.ErrGeneration)
	}

	return resp.Choices[0].Message.Content, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Close closes the client connection.
// The OpenAI SDK client does not require explicit closing; this method is retained for interface compatibility.
func (c *Client) Close() error {
	return nil
}
