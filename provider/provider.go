package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/docchat/config"
	openai_provider "github.com/mohammad-safakhou/docchat/provider/openai"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams controls completion sampling
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
}

// CompletionProvider produces free-form text for a prompt. The output is an
// opaque text source; callers must not trust its structure.
type CompletionProvider interface {
	Complete(ctx context.Context, systemPrompt string, messages []Message, params SamplingParams) (string, error)
}

// EmbeddingProvider converts texts into vector representations.
type EmbeddingProvider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float64, error)
}

// Provider bundles the completion and embedding capabilities of one backend.
type Provider interface {
	CompletionProvider
	EmbeddingProvider
}

// NewProvider creates an LLM client from the provided configuration
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		client := openai_provider.NewClient(openai_provider.Options{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			CompletionModel: cfg.CompletionModel,
			EmbeddingModel:  cfg.EmbeddingModel,
			Timeout:         cfg.Timeout,
		})
		return openaiAdapter{client}, nil
	default:
		return nil, errors.New("unsupported LLM provider: " + cfg.Provider)
	}
}

type openaiAdapter struct {
	client *openai_provider.Client
}

func (a openaiAdapter) Complete(ctx context.Context, systemPrompt string, messages []Message, params SamplingParams) (string, error) {
	msgs := make([]openai_provider.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai_provider.Message{Role: m.Role, Content: m.Content})
	}
	return a.client.Complete(ctx, systemPrompt, msgs, params.Temperature, params.MaxTokens)
}

func (a openaiAdapter) CreateEmbedding(ctx context.Context, texts []string) ([][]float64, error) {
	return a.client.CreateEmbedding(ctx, texts)
}
