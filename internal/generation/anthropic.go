package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
	defaultBaseBackoff      = time.Second
	defaultMaxTokens        = 4096
)

// AnthropicConfig configures the Anthropic Messages API client.
type AnthropicConfig struct {
	APIKey             string
	Model              string
	BaseURL            string
	Timeout            time.Duration
	MaxRetries         int
	RateLimitPerMinute float64
	MaxTokens          int
	Temperature        float64
}

// Anthropic calls /v1/messages directly over HTTP.
type Anthropic struct {
	cfg         AnthropicConfig
	httpClient  *http.Client
	limiter     *rate.Limiter
	baseBackoff time.Duration
}

var _ Client = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	limit := rate.Inf
	if cfg.RateLimitPerMinute > 0 {
		limit = rate.Limit(cfg.RateLimitPerMinute / 60)
	}
	return &Anthropic{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, 5),
		baseBackoff: defaultBaseBackoff,
	}, nil
}

// Name implements Client.
func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// retryableError marks failures worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Generate implements Client. 429, 5xx and network failures are retried
// with exponential backoff up to MaxRetries.
func (a *Anthropic) Generate(ctx context.Context, prompt string, opts Options) (Output, error) {
	opts = opts.withSchema()
	req := anthropicRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		System:      opts.System,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return Output{}, fmt.Errorf("rate limiter: %w", err)
		}

		out, err := a.doRequest(ctx, req)
		if err == nil {
			out.Duration = time.Since(start)
			return out, nil
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) || ctx.Err() != nil {
			break
		}
	}
	return Output{}, fmt.Errorf("anthropic: %w", lastErr)
}

func (a *Anthropic) doRequest(ctx context.Context, req anthropicRequest) (Output, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Output{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.cfg.APIKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Output{}, &retryableError{err: errors.New("rate limited (429)")}
	case resp.StatusCode >= 500:
		return Output{}, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, data)}
	case resp.StatusCode != http.StatusOK:
		var apiErr anthropicError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return Output{}, fmt.Errorf("API error (%d) %s: %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return Output{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, data)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Output{}, fmt.Errorf("parse response: %w", err)
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Output{}, errors.New("empty response from API")
	}
	return Output{
		Text:     text.String(),
		Provider: a.Name(),
		Model:    a.cfg.Model,
		Usage:    Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens},
	}, nil
}
