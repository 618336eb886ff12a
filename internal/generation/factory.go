package generation

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/config"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// FromConfig builds the configured provider cascade, with each provider
// instrumented and the whole chain behind secret redaction. Providers that
// lack credentials are skipped with a warning.
func FromConfig(cfg config.GenerationConfig, redactor Redactor, tracer trace.Tracer, logger *logging.Logger) (Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var providers []Client
	for _, name := range cfg.Providers {
		p, err := newProvider(name, cfg)
		if err != nil {
			logger.Underlying().Warn("skipping generation provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		providers = append(providers, NewInstrumented(p, tracer, logger))
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: none of %v could be initialised", ErrNoProviders, cfg.Providers)
	}

	cascade, err := NewCascade(logger, providers...)
	if err != nil {
		return nil, err
	}
	return NewScrubbing(cascade, redactor), nil
}

func newProvider(name string, cfg config.GenerationConfig) (Client, error) {
	switch name {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:             cfg.Anthropic.APIKey.Value(),
			Model:              cfg.Anthropic.Model,
			BaseURL:            cfg.Anthropic.BaseURL,
			Timeout:            cfg.Timeout.Duration(),
			MaxRetries:         cfg.MaxRetries,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			MaxTokens:          cfg.MaxTokens,
			Temperature:        cfg.Temperature,
		})
	case "openai":
		return NewOpenAI(ModelConfig{
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			APIKey:      cfg.OpenAI.APIKey.Value(),
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	case "ollama":
		return NewOllama(ModelConfig{
			Model:       cfg.Ollama.Model,
			BaseURL:     cfg.Ollama.BaseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
