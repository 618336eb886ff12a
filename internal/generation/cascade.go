package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// Cascade tries providers in order. It moves to the next provider only when
// the current one fails with a transient error; any other failure is
// returned immediately. Providers are tried one at a time, never in parallel.
type Cascade struct {
	providers []Client
	logger    *logging.Logger
}

var _ Client = (*Cascade)(nil)

// NewCascade builds a cascade over providers.
func NewCascade(logger *logging.Logger, providers ...Client) (*Cascade, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cascade{providers: providers, logger: logger}, nil
}

// Name lists the providers in order, e.g. "anthropic>openai".
func (c *Cascade) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ">")
}

// Generate implements Client. The returned error is always a *fault.Error.
func (c *Cascade) Generate(ctx context.Context, prompt string, opts Options) (Output, error) {
	var errs []error
	for i, p := range c.providers {
		out, err := p.Generate(ctx, prompt, opts)
		if err == nil {
			return out, nil
		}

		classified := fault.Classify(err).WithOp(p.Name())
		if ctx.Err() != nil {
			return Output{}, fault.Classify(ctx.Err())
		}
		if classified.Kind != fault.Transient {
			return Output{}, classified
		}

		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if i < len(c.providers)-1 {
			c.logger.Warn(ctx, "provider failed, falling back",
				zap.String("provider", p.Name()),
				zap.String("next", c.providers[i+1].Name()),
				zap.Error(err))
			providerFallbacks.WithLabelValues(p.Name()).Inc()
		}
	}
	return Output{}, fault.Wrap(fault.Transient, "cascade", errors.Join(errs...))
}
