// Package openai implements llm.Provider on top of the OpenAI chat
// completions API. Any OpenAI-compatible endpoint works through BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/livingmem/livingmem-go/pkg/llm"
)

// Client is a chat-completion client implementing llm.Provider.
type Client struct {
	client *openai.Client
	model  string
}

// Config configures the client.
type Config struct {
	// APIKey authenticates against the endpoint. Required.
	APIKey string

	// Model is the chat model name, for example "gpt-4o-mini".
	Model string

	// BaseURL overrides the official OpenAI endpoint. Optional.
	BaseURL string
}

// NewClient creates a chat-completion client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("NewOpenAIClient: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("NewOpenAIClient: model is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}, nil
}

// Generate produces text from a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages produces text from a conversation history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("GenerateWithMessages: no choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the underlying SDK holds no persistent connections.
func (c *Client) Close() error {
	return nil
}
