package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
)

// GenerateWithin calls client.Generate and gives up after timeout even when
// the client ignores its context. An abandoned call finishes in the
// background and its result is discarded. A timeout is reported as a
// Transient fault; cancellation of ctx as Cancelled. A timeout of zero or
// less means no bound beyond ctx.
func GenerateWithin(ctx context.Context, client Client, timeout time.Duration, prompt string, opts Options) (Output, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := client.Generate(callCtx, prompt, opts)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && callCtx.Err() != nil {
			return Output{}, timedOut(client, timeout, r.err)
		}
		return r.out, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return Output{}, fault.Classify(err)
		}
		return Output{}, timedOut(client, timeout, callCtx.Err())
	}
}

func timedOut(client Client, timeout time.Duration, cause error) *fault.Error {
	return fault.Wrap(fault.Transient, "generate",
		fmt.Errorf("%s: call timed out after %s: %w", client.Name(), timeout, cause))
}
