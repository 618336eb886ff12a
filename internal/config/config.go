// Package config provides configuration loading for promptgrade.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete promptgrade configuration.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Generation GenerationConfig          `koanf:"generation"`
	Pipeline   PipelineConfig            `koanf:"pipeline"`
	History    HistoryConfig             `koanf:"history"`
	Secrets    SecretsConfig             `koanf:"secrets"`
	Categories map[string]CategoryConfig `koanf:"categories"`

	// raw keeps the merged tree so packages that own their config types
	// (logging, telemetry) can unmarshal their own sections.
	raw *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// GenerationConfig configures the text generation providers.
type GenerationConfig struct {
	// Providers lists provider names in cascade order.
	Providers          []string       `koanf:"providers"`
	Timeout            Duration       `koanf:"timeout"`
	MaxTokens          int            `koanf:"max_tokens"`
	Temperature        float64        `koanf:"temperature"`
	MaxRetries         int            `koanf:"max_retries"`
	RateLimitPerMinute float64        `koanf:"rate_limit_per_minute"`
	Anthropic          ProviderConfig `koanf:"anthropic"`
	OpenAI             ProviderConfig `koanf:"openai"`
	Ollama             ProviderConfig `koanf:"ollama"`
}

// ProviderConfig holds connection settings for one provider.
type ProviderConfig struct {
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
}

// PipelineConfig configures the evaluation pipeline.
type PipelineConfig struct {
	ExecutionCount       int                `koanf:"execution_count"`
	MinExecutions        int                `koanf:"min_executions"`
	MaxExecutions        int                `koanf:"max_executions"`
	BranchCount          int                `koanf:"branch_count"`
	ChunkThresholdTokens int                `koanf:"chunk_threshold_tokens"`
	ChunkCeilingTokens   int                `koanf:"chunk_ceiling_tokens"`
	ChunkConcurrency     int                `koanf:"chunk_concurrency"`
	CallTimeout          Duration           `koanf:"call_timeout"`
	Weights              map[string]float64 `koanf:"weights"`
	FallbackPolicy       string             `koanf:"fallback_policy"`
	Synthesize           bool               `koanf:"synthesize"`
	ReentryBound         int                `koanf:"reentry_bound"`
	MaxLoops             int                `koanf:"max_loops"`
	MaxSteps             int                `koanf:"max_steps"`
}

// HistoryConfig configures the past-evaluation similarity store.
type HistoryConfig struct {
	// Provider is one of "chromem", "qdrant" or "none".
	Provider      string           `koanf:"provider"`
	Path          string           `koanf:"path"`
	Compress      bool             `koanf:"compress"`
	Collection    string           `koanf:"collection"`
	TopK          int              `koanf:"top_k"`
	MinSimilarity float64          `koanf:"min_similarity"`
	Qdrant        QdrantConfig     `koanf:"qdrant"`
	Embeddings    EmbeddingsConfig `koanf:"embeddings"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize int    `koanf:"vector_size"`
}

// EmbeddingsConfig configures the embedding endpoint used by the history store.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// SecretsConfig configures prompt redaction before generation calls.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
	Watch         bool   `koanf:"watch"`
}

// CategoryConfig overrides or adds a task category.
type CategoryConfig struct {
	PromptShape      string             `koanf:"prompt_shape"`
	Keywords         []string           `koanf:"keywords"`
	DimensionWeights map[string]float64 `koanf:"dimension_weights"`
	OutputDimensions []string           `koanf:"output_dimensions"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if len(c.Generation.Providers) == 0 {
		return errors.New("at least one generation provider is required")
	}
	for _, p := range c.Generation.Providers {
		switch p {
		case "anthropic", "openai", "ollama":
		default:
			return fmt.Errorf("unknown generation provider %q", p)
		}
	}
	if c.Generation.Timeout.Duration() <= 0 {
		return errors.New("generation timeout must be positive")
	}
	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("generation max_tokens must be positive, got %d", c.Generation.MaxTokens)
	}

	p := c.Pipeline
	if p.MinExecutions < 1 || p.MaxExecutions < p.MinExecutions {
		return fmt.Errorf("invalid execution range %d-%d", p.MinExecutions, p.MaxExecutions)
	}
	if p.ExecutionCount < p.MinExecutions || p.ExecutionCount > p.MaxExecutions {
		return fmt.Errorf("execution_count %d outside range %d-%d", p.ExecutionCount, p.MinExecutions, p.MaxExecutions)
	}
	if p.BranchCount < 1 {
		return fmt.Errorf("branch_count must be positive, got %d", p.BranchCount)
	}
	if p.ChunkThresholdTokens <= 0 || p.ChunkCeilingTokens <= 0 {
		return errors.New("chunk threshold and ceiling must be positive")
	}
	if p.CallTimeout.Duration() <= 0 {
		return errors.New("pipeline call_timeout must be positive")
	}
	if len(p.Weights) > 0 {
		var sum float64
		for _, w := range p.Weights {
			if w < 0 {
				return fmt.Errorf("composite weights must be non-negative")
			}
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return fmt.Errorf("composite weights must sum to 1.0, got %f", sum)
		}
	}
	switch p.FallbackPolicy {
	case "argmax-confidence", "first":
	default:
		return fmt.Errorf("unknown fallback_policy %q", p.FallbackPolicy)
	}
	if p.ReentryBound < 1 {
		return fmt.Errorf("reentry_bound must be >= 1, got %d", p.ReentryBound)
	}

	switch c.History.Provider {
	case "none", "":
	case "chromem", "qdrant":
		if c.History.Collection == "" {
			return errors.New("history collection is required")
		}
	default:
		return fmt.Errorf("unknown history provider %q", c.History.Provider)
	}

	for name, cat := range c.Categories {
		if len(cat.DimensionWeights) == 0 {
			continue
		}
		var sum float64
		for _, w := range cat.DimensionWeights {
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return fmt.Errorf("category %q dimension weights must sum to 1.0, got %f", name, sum)
		}
	}

	return nil
}

// Unmarshal decodes the named section of the merged configuration into out.
// Packages that own their config types use this with their defaults pre-set.
func (c *Config) Unmarshal(section string, out interface{}) error {
	if c.raw == nil || !c.raw.Exists(section) {
		return nil
	}
	if err := c.raw.Unmarshal(section, out); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", section, err)
	}
	return nil
}

// CallTimeout returns the per-call timeout for pipeline generation calls.
func (c *Config) CallTimeout() time.Duration {
	return c.Pipeline.CallTimeout.Duration()
}
