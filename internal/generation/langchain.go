package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// ModelConfig configures a langchaingo-backed provider.
type ModelConfig struct {
	Model       string
	BaseURL     string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// LangChain adapts a langchaingo llms.Model to Client. Structured calls
// rely on the schema instruction in the system message; langchaingo
// v0.1.5 has no per-call JSON mode.
type LangChain struct {
	name     string
	model    string
	llm      llms.Model
	defaults ModelConfig
}

var _ Client = (*LangChain)(nil)

// NewOpenAI creates a client for any OpenAI-compatible chat endpoint.
func NewOpenAI(cfg ModelConfig) (*LangChain, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key required")
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &LangChain{name: "openai", model: cfg.Model, llm: llm, defaults: cfg}, nil
}

// NewOllama creates a client for a local Ollama server.
func NewOllama(cfg ModelConfig) (*LangChain, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return &LangChain{name: "ollama", model: cfg.Model, llm: llm, defaults: cfg}, nil
}

// NewLangChain wraps an arbitrary langchaingo model.
func NewLangChain(name string, llm llms.Model, cfg ModelConfig) *LangChain {
	return &LangChain{name: name, model: cfg.Model, llm: llm, defaults: cfg}
}

// Name implements Client.
func (l *LangChain) Name() string { return l.name }

// Generate implements Client.
func (l *LangChain) Generate(ctx context.Context, prompt string, opts Options) (Output, error) {
	opts = opts.withSchema()

	messages := make([]llms.MessageContent, 0, 2)
	if opts.System != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, opts.System))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, prompt))

	temperature := l.defaults.Temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := l.defaults.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	callOpts := []llms.CallOption{llms.WithTemperature(temperature)}
	if maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(maxTokens))
	}

	start := time.Now()
	resp, err := l.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", l.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return Output{}, fmt.Errorf("%s: empty response from API", l.name)
	}

	choice := resp.Choices[0]
	return Output{
		Text:     choice.Content,
		Provider: l.name,
		Model:    l.model,
		Usage: Usage{
			InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens"),
			OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		},
		Duration: time.Since(start),
	}, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
