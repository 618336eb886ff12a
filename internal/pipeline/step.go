package pipeline

import "context"

// End is the router target that finishes a run.
const End = "__end__"

// Outcome is the kind of result a step produced.
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeSkip     Outcome = "skip"
	OutcomeFatal    Outcome = "fatal"
)

// Updates are the field values a step writes. A nil value clears the field.
type Updates map[Field]any

// Result is what a step returns to the executor.
type Result struct {
	Outcome Outcome
	Updates Updates
	Reason  string
	Err     error
}

// Continue merges updates into the state.
func Continue(updates Updates) Result {
	return Result{Outcome: OutcomeContinue, Updates: updates}
}

// Skip leaves the state unchanged and records reason.
func Skip(reason string) Result {
	return Result{Outcome: OutcomeSkip, Reason: reason}
}

// Fatal stops the run with err.
func Fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}

// Step is one node of the graph.
type Step interface {
	Name() string
	Inputs() []Field
	Outputs() []Field
	Run(ctx context.Context, v *View) (Result, error)
}

// Router picks the next step name, or End, from the state. Routers must be
// pure and total.
type Router func(s *State) string

// Always routes unconditionally to next.
func Always(next string) Router {
	return func(*State) string { return next }
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName string
	In       []Field
	Out      []Field
	Fn       func(ctx context.Context, v *View) (Result, error)
}

var _ Step = (*StepFunc)(nil)

// Name implements Step.
func (s *StepFunc) Name() string { return s.StepName }

// Inputs implements Step.
func (s *StepFunc) Inputs() []Field { return s.In }

// Outputs implements Step.
func (s *StepFunc) Outputs() []Field { return s.Out }

// Run implements Step.
func (s *StepFunc) Run(ctx context.Context, v *View) (Result, error) {
	return s.Fn(ctx, v)
}
