// Package fanout runs the same generation call several times concurrently
// and collects every outcome.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// ErrInvalidCount is returned when n is outside the configured range.
var ErrInvalidCount = errors.New("fanout: execution count out of range")

// Task describes one generation call to repeat.
type Task struct {
	ID      string
	Prompt  string
	Options generation.Options
}

// Result is the outcome of one invocation. Exactly one of Output.Text and
// Err is meaningful.
type Result struct {
	ID       string
	Index    int
	Output   generation.Output
	Err      *fault.Error
	Duration time.Duration
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Config bounds fan-out width and per-call time.
type Config struct {
	MinExecutions int
	MaxExecutions int
	CallTimeout   time.Duration
}

// DefaultConfig returns the 2-5 range with a 120s per-call timeout.
func DefaultConfig() Config {
	return Config{MinExecutions: 2, MaxExecutions: 5, CallTimeout: 120 * time.Second}
}

// Executor runs fan-outs against a generation client.
type Executor struct {
	client generation.Client
	cfg    Config
	logger *logging.Logger
}

// New creates an Executor.
func New(client generation.Client, cfg Config, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{client: client, cfg: cfg, logger: logger}
}

// RunN starts n invocations of task at once and waits for all of them.
// It returns exactly n results in submission order. Failures, timeouts and
// cancellations are reported per result, never as the returned error; the
// error is only set for an invalid n.
func (e *Executor) RunN(ctx context.Context, task Task, n int) ([]Result, error) {
	if n < e.cfg.MinExecutions || n > e.cfg.MaxExecutions {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidCount, n, e.cfg.MinExecutions, e.cfg.MaxExecutions)
	}

	results := make([]Result, n)
	// No SetLimit: all n calls must be in flight before any is awaited.
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			results[i] = e.invoke(ctx, task, i)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	fanoutCalls.WithLabelValues("ok").Add(float64(n - failed))
	fanoutCalls.WithLabelValues("failed").Add(float64(failed))
	e.logger.Debug(ctx, "fan-out settled",
		zap.String("task", task.ID),
		zap.Int("executions", n),
		zap.Int("failed", failed))
	return results, nil
}

func (e *Executor) invoke(ctx context.Context, task Task, index int) Result {
	start := time.Now()
	out, err := generation.GenerateWithin(ctx, e.client, e.cfg.CallTimeout, task.Prompt, task.Options)
	r := Result{ID: fmt.Sprintf("%s-%d", task.ID, index+1), Index: index, Duration: time.Since(start)}
	if err != nil {
		r.Err = fault.Classify(err)
		return r
	}
	r.Output = out
	return r
}

// Failure is the metadata kept for a failed invocation.
type Failure struct {
	Index   int        `json:"index"`
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Summary aggregates a fan-out for the calling step.
type Summary struct {
	Outputs  []string  `json:"-"`
	Combined string    `json:"-"`
	Total    int       `json:"total"`
	Failures []Failure `json:"failures,omitempty"`

	firstErr  *fault.Error
	cancelled bool
}

// Summarize keeps successful outputs, labels them by run number in
// submission order and records failures as metadata.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), cancelled: len(results) > 0}
	var b strings.Builder
	for _, r := range results {
		if !r.OK() {
			s.Failures = append(s.Failures, Failure{Index: r.Index, Kind: r.Err.Kind, Message: r.Err.UserMessage()})
			if s.firstErr == nil {
				s.firstErr = r.Err
			}
			if r.Err.Kind != fault.Cancelled {
				s.cancelled = false
			}
			continue
		}
		s.cancelled = false
		s.Outputs = append(s.Outputs, r.Output.Text)
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Run %d ---\n%s", r.Index+1, r.Output.Text)
	}
	s.Combined = b.String()
	return s
}

// Succeeded returns the number of successful invocations.
func (s Summary) Succeeded() int { return len(s.Outputs) }

// Err is non-nil only when no invocation succeeded. A run in which every
// invocation was cancelled reports Cancelled.
func (s Summary) Err() *fault.Error {
	if len(s.Outputs) > 0 {
		return nil
	}
	if s.cancelled {
		return fault.Wrap(fault.Cancelled, "fanout", context.Canceled)
	}
	if s.firstErr == nil {
		return fault.New(fault.FatalContent, "fanout", "no executions were run")
	}
	return fault.Wrap(s.firstErr.Kind, "fanout", fmt.Errorf("all %d executions failed: %w", s.Total, s.firstErr))
}
