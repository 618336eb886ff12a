package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/promptgrade/internal/pipeline"

var (
	// ErrInvalidStep is returned when a step fails registration checks.
	ErrInvalidStep = errors.New("pipeline: invalid step")

	// ErrDuplicateStep is returned when a step name is registered twice.
	ErrDuplicateStep = errors.New("pipeline: duplicate step")

	// ErrUnknownStep is returned for an entry or route to an unregistered step.
	ErrUnknownStep = errors.New("pipeline: unknown step")

	// ErrNoEntry is returned by Run when SetEntry was never called.
	ErrNoEntry = errors.New("pipeline: no entry step")

	// ErrUndeclaredWrite is recorded when a step updates a field it did not
	// declare as an output.
	ErrUndeclaredWrite = errors.New("pipeline: write to undeclared field")

	// ErrBoundExceeded is recorded when a re-entry, loop or step bound is hit.
	ErrBoundExceeded = errors.New("pipeline: execution bound exceeded")

	// ErrRouterPanic is recorded when a router panics.
	ErrRouterPanic = errors.New("pipeline: router panicked")
)

// Config bounds graph traversal.
type Config struct {
	// MaxSteps caps the number of steps in one run.
	MaxSteps int
	// ReentryBound is how often a step may run per loop iteration.
	ReentryBound int
	// LoopStep opens a new iteration each time it runs.
	LoopStep string
	// MaxLoops is how often LoopStep may run.
	MaxLoops int
}

// DefaultConfig returns 50 steps, one visit per iteration and one loop.
func DefaultConfig() Config {
	return Config{MaxSteps: 50, ReentryBound: 1, MaxLoops: 1}
}

// Progress reports a finished step.
type Progress struct {
	RunID    string
	Step     string
	Outcome  Outcome
	Index    int
	Duration time.Duration
}

// ProgressCallback receives a Progress after every step.
type ProgressCallback func(Progress)

type node struct {
	step     Step
	router   Router
	outputs  map[Field]struct{}
	readable map[Field]struct{}
}

// Executor walks a graph of registered steps.
type Executor struct {
	schema   map[Field]struct{}
	nodes    map[string]*node
	order    []string
	entry    string
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer
	progress ProgressCallback
}

// NewExecutor creates an executor whose steps may use the fields in schema.
// A nil tracer uses the global provider.
func NewExecutor(schema []Field, cfg Config, logger *logging.Logger, tracer trace.Tracer) *Executor {
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.ReentryBound <= 0 {
		cfg.ReentryBound = def.ReentryBound
	}
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = def.MaxLoops
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	known := make(map[Field]struct{}, len(schema))
	for _, f := range schema {
		known[f] = struct{}{}
	}
	return &Executor{
		schema: known,
		nodes:  make(map[string]*node),
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
	}
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(callback ProgressCallback) {
	e.progress = callback
}

// Register adds step with the router that runs after it.
func (e *Executor) Register(step Step, router Router) error {
	if step == nil || step.Name() == "" {
		return fmt.Errorf("%w: step has no name", ErrInvalidStep)
	}
	name := step.Name()
	if name == End {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidStep, End)
	}
	if _, ok := e.nodes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
	}
	if router == nil {
		return fmt.Errorf("%w: %s has no router", ErrInvalidStep, name)
	}
	if len(step.Outputs()) == 0 {
		return fmt.Errorf("%w: %s declares no outputs", ErrInvalidStep, name)
	}

	n := &node{
		step:     step,
		router:   router,
		outputs:  make(map[Field]struct{}),
		readable: make(map[Field]struct{}),
	}
	for _, f := range step.Inputs() {
		if _, ok := e.schema[f]; !ok {
			return fmt.Errorf("%w: %s reads unknown field %q", ErrInvalidStep, name, f)
		}
		n.readable[f] = struct{}{}
	}
	for _, f := range step.Outputs() {
		if _, ok := e.schema[f]; !ok {
			return fmt.Errorf("%w: %s writes unknown field %q", ErrInvalidStep, name, f)
		}
		n.outputs[f] = struct{}{}
		n.readable[f] = struct{}{}
	}

	e.nodes[name] = n
	e.order = append(e.order, name)
	return nil
}

// SetEntry names the first step of every run.
func (e *Executor) SetEntry(name string) error {
	if _, ok := e.nodes[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	e.entry = name
	return nil
}

// Steps returns the registered step names in registration order.
func (e *Executor) Steps() []string {
	return append([]string(nil), e.order...)
}

// Run walks the graph from the entry step and returns the final state.
// Failures are recorded on the state, never returned.
func (e *Executor) Run(ctx context.Context, state *State) *State {
	if state.fields == nil {
		state.fields = make(map[Field]any)
	}
	ctx = logging.WithRunID(ctx, state.RunID)
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", state.RunID),
		attribute.String("run.phase", string(state.Phase)),
	))
	defer span.End()

	start := time.Now()
	e.walk(ctx, state)
	state.Terminal = true

	outcome := "ok"
	if state.Err != nil {
		outcome = string(state.Err.Kind)
		span.RecordError(state.Err)
		span.SetStatus(codes.Error, state.Err.UserMessage())
		e.logger.Warn(ctx, "pipeline run failed",
			zap.String("step", state.Err.Step),
			zap.String("kind", string(state.Err.Kind)),
			zap.Error(state.Err))
	}
	span.SetAttributes(attribute.Int("run.steps", len(state.History)))
	runDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	e.logger.Info(ctx, "pipeline run finished",
		zap.Strings("history", state.History),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
	return state
}

func (e *Executor) walk(ctx context.Context, state *State) {
	if e.entry == "" {
		state.Err = graphError("", ErrNoEntry)
		return
	}

	visits := make(map[string]int)
	loops := 0
	current := e.entry
	for current != End {
		if err := ctx.Err(); err != nil {
			state.Err = fault.Classify(err).WithStep(current)
			return
		}
		n, ok := e.nodes[current]
		if !ok {
			state.Err = graphError(lastStep(state), fmt.Errorf("%w: routed to %q", ErrUnknownStep, current))
			return
		}
		if len(state.History) >= e.cfg.MaxSteps {
			state.Err = graphError(current, fmt.Errorf("%w: more than %d steps", ErrBoundExceeded, e.cfg.MaxSteps))
			return
		}
		if current == e.cfg.LoopStep {
			loops++
			if loops > e.cfg.MaxLoops {
				state.Err = graphError(current, fmt.Errorf("%w: loop step ran more than %d times", ErrBoundExceeded, e.cfg.MaxLoops))
				return
			}
			visits = make(map[string]int)
		}
		visits[current]++
		if visits[current] > e.cfg.ReentryBound {
			state.Err = graphError(current, fmt.Errorf("%w: %s entered more than %d times in one iteration", ErrBoundExceeded, current, e.cfg.ReentryBound))
			return
		}

		state.History = append(state.History, current)
		res := e.runStep(ctx, n, state)
		switch res.Outcome {
		case OutcomeFatal:
			state.Err = fault.Classify(res.Err).WithStep(current)
			return
		case OutcomeSkip:
			state.Skipped = append(state.Skipped, SkippedStep{Step: current, Reason: res.Reason})
		default:
			for f := range res.Updates {
				if _, ok := n.outputs[f]; !ok {
					state.Err = graphError(current, fmt.Errorf("%w: %s wrote %q", ErrUndeclaredWrite, current, f))
					return
				}
			}
			for f, v := range res.Updates {
				if v == nil {
					delete(state.fields, f)
					continue
				}
				state.fields[f] = v
			}
		}
		next, err := e.route(ctx, n, state)
		if err != nil {
			state.Err = graphError(current, err)
			return
		}
		current = next
	}
}

// route calls the router of n, converting a panic into ErrRouterPanic.
func (e *Executor) route(ctx context.Context, n *node, state *State) (next string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "router panicked",
				zap.String("step", n.step.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: after %s: %v", ErrRouterPanic, n.step.Name(), r)
		}
	}()
	return n.router(state), nil
}

// runStep executes one step inside a span, converting errors and panics
// into Fatal results.
func (e *Executor) runStep(ctx context.Context, n *node, state *State) (res Result) {
	name := n.step.Name()
	ctx = logging.WithStep(ctx, name)
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.name", name),
		attribute.String("run.id", state.RunID),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "step panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = Fatal(fmt.Errorf("panic in step %s: %v", name, r))
		}
		if res.Outcome == "" {
			res.Outcome = OutcomeContinue
		}

		elapsed := time.Since(start)
		stepRuns.WithLabelValues(name, string(res.Outcome)).Inc()
		stepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		span.SetAttributes(attribute.String("step.outcome", string(res.Outcome)))
		switch res.Outcome {
		case OutcomeFatal:
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(fault.KindOf(res.Err)))
		case OutcomeSkip:
			e.logger.Info(ctx, "step skipped", zap.String("reason", res.Reason))
		default:
			e.logger.Debug(ctx, "step finished",
				zap.Int("updates", len(res.Updates)),
				zap.Duration("duration", elapsed))
		}
		span.End()

		if e.progress != nil {
			e.progress(Progress{
				RunID:    state.RunID,
				Step:     name,
				Outcome:  res.Outcome,
				Index:    len(state.History) - 1,
				Duration: elapsed,
			})
		}
	}()

	r, err := n.step.Run(ctx, newView(state, n))
	if err != nil {
		return Fatal(err)
	}
	if r.Outcome == OutcomeFatal && r.Err == nil {
		r.Err = fault.New(fault.FatalInfrastructure, name, "step failed without an error")
	}
	return r
}

// graphError classifies a graph-definition failure.
func graphError(step string, err error) *fault.Error {
	return fault.Wrap(fault.FatalInfrastructure, "pipeline", err).WithStep(step)
}

func lastStep(s *State) string {
	if len(s.History) == 0 {
		return ""
	}
	return s.History[len(s.History)-1]
}
