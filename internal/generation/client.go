// Package generation calls text generation providers.
//
// Every provider implements Client. Cascade chains providers in order and
// falls through only on transient failures. Scrubbing and Instrumented wrap
// any Client with secret redaction and metrics/tracing respectively.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoProviders is returned when a cascade has nothing to call.
var ErrNoProviders = errors.New("no generation providers configured")

// Client generates text from a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (Output, error)
	Name() string
}

// Options control a single generation call. Zero values use provider defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	System      string
	// Schema requests structured JSON output.
	Schema *Schema
}

// Schema describes the JSON object a structured call must return.
type Schema struct {
	Name string
	// Fields maps each top-level key to a short description of its value.
	Fields map[string]string
}

// Instruction renders the schema as a response-format instruction.
func (s *Schema) Instruction() string {
	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else")
	if s.Name != "" {
		fmt.Fprintf(&b, " (%s)", s.Name)
	}
	b.WriteString(". Keys:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %q: %s\n", k, s.Fields[k])
	}
	return b.String()
}

// Output is a completed generation.
type Output struct {
	Text     string
	Provider string
	Model    string
	Usage    Usage
	Duration time.Duration
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// withSchema appends the schema instruction to the system prompt.
func (o Options) withSchema() Options {
	if o.Schema == nil {
		return o
	}
	if o.System == "" {
		o.System = o.Schema.Instruction()
	} else {
		o.System = o.System + "\n\n" + o.Schema.Instruction()
	}
	return o
}
