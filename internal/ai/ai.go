// Package ai constructs the OpenAI-compatible vendor client. DeepSeek and
// other compatible vendors are reached through the same SDK with a BaseURL
// override; when no key is configured the rest of the pipeline runs on its
// deterministic fallbacks.
package ai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wxagent/wxagent/internal/config"
)

// Client bundles the vendor handle with the resolved model ids.
type Client struct {
	API        *openai.Client
	Provider   string
	ChatModel  string
	EmbedModel string
}

// New builds the client for the resolved vendor. Returns nil when no vendor
// key is configured; callers treat a nil client as fallback-only mode.
func New(cfg *config.Config) *Client {
	provider := cfg.ResolvedAIProvider()
	if provider == "none" {
		return nil
	}

	oc := openai.DefaultConfig(cfg.ResolvedAPIKey())
	if base := cfg.ResolvedBaseURL(); base != "" {
		oc.BaseURL = base
	}

	return &Client{
		API:        openai.NewClientWithConfig(oc),
		Provider:   provider,
		ChatModel:  cfg.ResolvedChatModel(),
		EmbedModel: cfg.ResolvedEmbedModel(),
	}
}

// ChatOnce sends one system+user exchange and returns the first choice.
func (c *Client) ChatOnce(ctx context.Context, system, user string, temperature float32, maxTokens int) (string, error) {
	resp, err := c.API.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("ai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ai: chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for one input text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.EmbedModel == "" {
		return nil, fmt.Errorf("ai: no embedding model for provider %s", c.Provider)
	}
	resp, err := c.API.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.EmbedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("ai: embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("ai: embeddings returned no data")
	}

	vector := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vector[i] = float64(v)
	}
	return vector, nil
}
