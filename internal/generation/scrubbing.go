package generation

import (
	"context"

	"github.com/fyrsmithlabs/promptgrade/internal/secrets"
)

// Redactor removes secrets from outbound text.
type Redactor interface {
	Redact(ctx context.Context, content string) *secrets.Result
}

// Scrubbing redacts prompts and system prompts before delegating.
type Scrubbing struct {
	next     Client
	redactor Redactor
}

var _ Client = (*Scrubbing)(nil)

// NewScrubbing wraps next. A nil redactor returns next unchanged.
func NewScrubbing(next Client, redactor Redactor) Client {
	if redactor == nil {
		return next
	}
	return &Scrubbing{next: next, redactor: redactor}
}

// Name implements Client.
func (s *Scrubbing) Name() string { return s.next.Name() }

// Generate implements Client.
func (s *Scrubbing) Generate(ctx context.Context, prompt string, opts Options) (Output, error) {
	result := s.redactor.Redact(ctx, prompt)
	if result.HasFindings() {
		redactedPrompts.Add(float64(len(result.Findings)))
	}
	if opts.System != "" {
		opts.System = s.redactor.Redact(ctx, opts.System).Content
	}
	return s.next.Generate(ctx, result.Content, opts)
}
