package history

import (
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig points at an OpenAI-compatible embeddings endpoint such
// as TEI, vLLM or OpenAI itself.
type EmbedderConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// NewEmbedder creates a langchaingo embedder for cfg.
func NewEmbedder(cfg EmbedderConfig) (*embeddings.EmbedderImpl, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: embeddings base URL is required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: embeddings model is required", ErrInvalidConfig)
	}

	// Self-hosted endpoints ignore the token, but the client insists on one.
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}
