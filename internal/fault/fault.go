// Package fault classifies errors raised while evaluating text.
//
// Every error that leaves a pipeline step is converted to an *Error carrying
// one of four kinds. Only Transient errors are eligible for retry or for
// falling through to the next generation provider.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the classification of a failure.
type Kind string

const (
	// Transient failures may succeed on retry (network blips, rate limits, 5xx).
	Transient Kind = "transient"

	// FatalContent failures are caused by the input or by unusable model output.
	FatalContent Kind = "fatal_content"

	// FatalInfrastructure failures are caused by the provider or its credentials.
	FatalInfrastructure Kind = "fatal_infrastructure"

	// Cancelled means the caller requested cancellation.
	Cancelled Kind = "cancelled"
)

// Retryable reports whether the kind permits retry or provider fallback.
func (k Kind) Retryable() bool {
	return k == Transient
}

// Error is a classified failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Step    string `json:"step,omitempty"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	cause   error
}

// New creates a classified error with the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap classifies err with an explicit kind, keeping it as the cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: userMessage(kind, err), cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step != "" {
		b.WriteString(" in step ")
		b.WriteString(e.Step)
	}
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	b.WriteString(": ")
	if e.cause != nil {
		b.WriteString(e.cause.Error())
	} else {
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// UserMessage returns the human-readable message for this failure.
func (e *Error) UserMessage() string {
	return e.Message
}

// WithStep returns a copy of e attributed to the named step.
func (e *Error) WithStep(step string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Step = step
	return &cp
}

// WithOp returns a copy of e attributed to op when it has none yet.
func (e *Error) WithOp(op string) *Error {
	if e == nil || e.Op != "" {
		return e
	}
	cp := *e
	cp.Op = op
	return &cp
}

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: Cancelled}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Step == "" || t.Step == e.Step)
}

// KindOf returns the kind of err, classifying it if necessary.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

var (
	infrastructurePatterns = []string{
		"credit balance",
		"invalid api key",
		"invalid x-api-key",
		"authentication",
		"permission denied",
		"billing",
		"quota exceeded",
		"insufficient_quota",
		"401",
		"403",
		"credentials",
		"model not found",
		"not_found_error",
		"connection refused",
		"no such host",
	}

	transientPatterns = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"overloaded",
		"server error",
		"502",
		"503",
		"504",
		"timeout",
		"temporarily unavailable",
		"connection reset",
		"eof",
	}

	contentPatterns = []string{
		"context length",
		"context_length_exceeded",
		"maximum context",
		"prompt is too long",
		"too many tokens",
		"malformed structured output",
	}
)

// Classify converts any error into a classified *Error.
//
// Errors that are already classified are returned unchanged. Context
// cancellation wins over everything else because the caller asked for it.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, context.Canceled) {
		return Wrap(Cancelled, "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Transient, "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(Transient, "", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, contentPatterns):
		return Wrap(FatalContent, "", err)
	case containsAny(msg, infrastructurePatterns):
		return Wrap(FatalInfrastructure, "", err)
	case containsAny(msg, transientPatterns):
		return Wrap(Transient, "", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(Transient, "", err)
	}

	return Wrap(FatalInfrastructure, "", err)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// userMessage renders the message shown to callers for a classified error.
func userMessage(kind Kind, err error) string {
	msg := strings.ToLower(err.Error())
	switch kind {
	case Cancelled:
		return "The evaluation was cancelled before it finished."
	case Transient:
		if containsAny(msg, []string{"rate limit", "rate_limit", "too many requests", "429"}) {
			return "The generation service is rate limiting requests. Please wait and try again."
		}
		return fmt.Sprintf("The generation service did not respond in time: %s", trim(err.Error()))
	case FatalContent:
		if containsAny(msg, []string{"context length", "context_length_exceeded", "maximum context", "prompt is too long", "too many tokens"}) {
			return "The input is too long for the generation service's context window."
		}
		return fmt.Sprintf("The generation service returned content that could not be used: %s", trim(err.Error()))
	default:
		switch {
		case containsAny(msg, []string{"credit balance", "billing", "quota exceeded", "insufficient_quota"}):
			return "The generation provider account has no remaining credit or quota."
		case containsAny(msg, []string{"invalid api key", "invalid x-api-key", "authentication", "401", "credentials"}):
			return "The generation provider rejected the configured credentials."
		case containsAny(msg, []string{"permission denied", "403"}):
			return "The configured credentials are not permitted to use this model."
		case containsAny(msg, []string{"model not found", "not_found_error"}):
			return "The configured model was not found at the generation provider."
		case containsAny(msg, []string{"connection refused", "no such host"}):
			return "The generation provider is unreachable."
		}
		return fmt.Sprintf("The generation service failed: %s", trim(err.Error()))
	}
}

func trim(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
