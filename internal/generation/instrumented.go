package generation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/promptgrade/internal/generation"

// Instrumented records a span, metrics and a debug log line per call.
type Instrumented struct {
	next   Client
	tracer trace.Tracer
	logger *logging.Logger
}

var _ Client = (*Instrumented)(nil)

// NewInstrumented wraps next. A nil tracer uses the global provider.
func NewInstrumented(next Client, tracer trace.Tracer, logger *logging.Logger) *Instrumented {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Instrumented{next: next, tracer: tracer, logger: logger}
}

// Name implements Client.
func (i *Instrumented) Name() string { return i.next.Name() }

// Generate implements Client.
func (i *Instrumented) Generate(ctx context.Context, prompt string, opts Options) (Output, error) {
	ctx, span := i.tracer.Start(ctx, "generation.generate", trace.WithAttributes(
		attribute.String("generation.provider", i.next.Name()),
		attribute.Int("generation.prompt_chars", len(prompt)),
		attribute.Bool("generation.structured", opts.Schema != nil),
	))
	defer span.End()

	start := time.Now()
	out, err := i.next.Generate(ctx, prompt, opts)
	elapsed := time.Since(start)

	provider := i.next.Name()
	if out.Provider != "" {
		provider = out.Provider
	}
	generationDuration.WithLabelValues(provider).Observe(elapsed.Seconds())

	if err != nil {
		kind := fault.KindOf(err)
		generationCalls.WithLabelValues(provider, string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		i.logger.Debug(ctx, "generation failed",
			zap.String("provider", provider),
			zap.String("kind", string(kind)),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return out, err
	}

	generationCalls.WithLabelValues(provider, "ok").Inc()
	generationTokens.WithLabelValues(provider, "input").Add(float64(out.Usage.InputTokens))
	generationTokens.WithLabelValues(provider, "output").Add(float64(out.Usage.OutputTokens))
	span.SetAttributes(
		attribute.String("generation.model", out.Model),
		attribute.Int("generation.output_chars", len(out.Text)),
	)
	i.logger.Trace(ctx, "generation response",
		zap.String("provider", provider),
		logging.Preview("text", out.Text, 200))
	return out, nil
}
