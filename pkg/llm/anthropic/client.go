// Package anthropic implements llm.Provider with the official Anthropic SDK.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/oceanbase/tiermem-go/pkg/llm"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-5"

// Client is an Anthropic LLM client.
// System messages are separated from the conversation, as the Messages API requires.
type Client struct {
	client anthropic.Client
	model  string
}

var _ llm.Provider = (*Client)(nil)

// Config is the configuration for Anthropic LLM.
// APIKey: Anthropic API key (required)
// Model: Model name to use
// BaseURL: API base URL, defaults to the SDK's endpoint
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
}

// NewClient creates a new Anthropic LLM client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("NewAnthropicLLM: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Generate generates text based on the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages generates text using message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(options.MaxTokens),
		Temperature: anthropic.Float(options.Temperature),
	}
	if options.TopP > 0 && options.TopP < 1 {
		params.TopP = anthropic.Float(options.TopP)
	}
	if len(options.Stop) > 0 {
		params.StopSequences = options.Stop
	}

	system, conversation := splitMessages(messages)
	if options.JSONMode {
		system = append(system, "Respond with a single JSON object and nothing else.")
	}
	for _, s := range system {
		params.System = append(params.System, anthropic.TextBlockParam{Text: s})
	}
	params.Messages = conversation

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", llm.ErrGeneration, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("%w: no text content returned", llm.ErrGeneration)
	}
	return out.String(), nil
}

func splitMessages(messages []llm.Message) ([]string, []anthropic.MessageParam) {
	var system []string
	var conversation []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleAssistant:
			conversation = append(conversation, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system, conversation
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error { return nil }
