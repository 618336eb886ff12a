// Package evaluator runs the prompt evaluation pipeline.
//
// Service wires the evaluation steps (routing, structural analysis and
// scoring, output execution and judging, branch-based improvement,
// meta-evaluation, reporting and follow-up handling) into a pipeline graph
// and turns the final state into a Result. RunEvaluation always returns a
// complete Result; failures are reported through Result.TerminalError with
// neutral placeholder scores.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/branching"
	"github.com/fyrsmithlabs/promptgrade/internal/chunking"
	"github.com/fyrsmithlabs/promptgrade/internal/composite"
	"github.com/fyrsmithlabs/promptgrade/internal/config"
	"github.com/fyrsmithlabs/promptgrade/internal/fanout"
	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/promptgrade/internal/evaluator"

// Config holds the tunables of the evaluation pipeline.
type Config struct {
	ExecutionCount       int
	MinExecutions        int
	MaxExecutions        int
	Branches             int
	ChunkThresholdTokens int
	ChunkCeilingTokens   int
	ChunkConcurrency     int
	CallTimeout          time.Duration
	Temperature          float64
	Weights              map[string]float64
	Fallback             branching.FallbackPolicy
	Synthesize           bool
	ReentryBound         int
	MaxLoops             int
	MaxSteps             int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionCount:       2,
		MinExecutions:        2,
		MaxExecutions:        5,
		Branches:             3,
		ChunkThresholdTokens: 2000,
		ChunkCeilingTokens:   1500,
		ChunkConcurrency:     5,
		CallTimeout:          120 * time.Second,
		Temperature:          0.3,
		Weights:              composite.DefaultWeights(),
		Fallback:             branching.ArgmaxConfidence,
		ReentryBound:         1,
		MaxLoops:             1,
		MaxSteps:             50,
	}
}

// ConfigFromPipeline converts the loaded pipeline section.
func ConfigFromPipeline(p config.PipelineConfig, temperature float64) Config {
	cfg := Config{
		ExecutionCount:       p.ExecutionCount,
		MinExecutions:        p.MinExecutions,
		MaxExecutions:        p.MaxExecutions,
		Branches:             p.BranchCount,
		ChunkThresholdTokens: p.ChunkThresholdTokens,
		ChunkCeilingTokens:   p.ChunkCeilingTokens,
		ChunkConcurrency:     p.ChunkConcurrency,
		CallTimeout:          p.CallTimeout.Duration(),
		Temperature:          temperature,
		Weights:              p.Weights,
		Fallback:             branching.FallbackPolicy(p.FallbackPolicy),
		Synthesize:           p.Synthesize,
		ReentryBound:         p.ReentryBound,
		MaxLoops:             p.MaxLoops,
		MaxSteps:             p.MaxSteps,
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinExecutions <= 0 {
		c.MinExecutions = def.MinExecutions
	}
	if c.MaxExecutions <= 0 {
		c.MaxExecutions = def.MaxExecutions
	}
	if c.ExecutionCount <= 0 {
		c.ExecutionCount = def.ExecutionCount
	}
	if c.Branches <= 0 {
		c.Branches = def.Branches
	}
	if c.ChunkThresholdTokens <= 0 {
		c.ChunkThresholdTokens = def.ChunkThresholdTokens
	}
	if c.ChunkCeilingTokens <= 0 {
		c.ChunkCeilingTokens = def.ChunkCeilingTokens
	}
	if c.ChunkConcurrency <= 0 {
		c.ChunkConcurrency = def.ChunkConcurrency
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if len(c.Weights) == 0 {
		c.Weights = def.Weights
	}
	if c.Fallback == "" {
		c.Fallback = def.Fallback
	}
	if c.ReentryBound <= 0 {
		c.ReentryBound = def.ReentryBound
	}
	if c.MaxLoops <= 0 {
		c.MaxLoops = def.MaxLoops
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithHistory enables the similar-past-evaluations lookup in analysis.
func WithHistory(lookup history.Lookup) Option {
	return func(s *Service) { s.history = lookup }
}

// WithRegistry replaces the built-in task categories.
func WithRegistry(r *Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// Service evaluates text. It is safe for concurrent use.
type Service struct {
	client   generation.Client
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer
	registry *Registry
	history  history.Lookup

	fanout   *fanout.Executor
	chunks   *chunking.Aggregator
	explorer *branching.Explorer
	exec     *pipeline.Executor
}

// NewService builds the evaluation graph around client.
func NewService(client generation.Client, cfg Config, logger *logging.Logger, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("generation client is required")
	}
	cfg = cfg.withDefaults()
	if err := composite.ValidateWeights(cfg.Weights); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Service{client: client, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = DefaultRegistry()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}

	s.fanout = fanout.New(client, fanout.Config{
		MinExecutions: cfg.MinExecutions,
		MaxExecutions: cfg.MaxExecutions,
		CallTimeout:   cfg.CallTimeout,
	}, logger)
	s.chunks = chunking.New(chunking.Config{
		ThresholdTokens: cfg.ChunkThresholdTokens,
		CeilingTokens:   cfg.ChunkCeilingTokens,
		Concurrency:     cfg.ChunkConcurrency,
	}, logger)
	explorer, err := branching.New(client, branching.Config{
		Branches:    cfg.Branches,
		Fallback:    cfg.Fallback,
		CallTimeout: cfg.CallTimeout,
		Temperature: 0.7,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.explorer = explorer

	if err := s.buildGraph(); err != nil {
		return nil, fmt.Errorf("building evaluation graph: %w", err)
	}
	return s, nil
}

func (s *Service) buildGraph() error {
	s.exec = pipeline.NewExecutor(schema, pipeline.Config{
		MaxSteps:     s.cfg.MaxSteps,
		ReentryBound: s.cfg.ReentryBound,
		LoopStep:     StepHandleFollowup,
		MaxLoops:     s.cfg.MaxLoops,
	}, s.logger, s.tracer)

	next := routers()
	for _, step := range s.steps() {
		if err := s.exec.Register(step, next[step.Name()]); err != nil {
			return err
		}
	}
	return s.exec.SetEntry(StepRoute)
}

// OnProgress reports every finished step to callback.
func (s *Service) OnProgress(callback pipeline.ProgressCallback) {
	s.exec.OnProgress(callback)
}

// Registry returns the task category registry in use.
func (s *Service) Registry() *Registry { return s.registry }

// Options are the per-run settings. Zero values use the service config.
type Options struct {
	Phase                pipeline.Phase
	ExecutionCount       int
	ChunkThresholdTokens int
	Mode                 Mode
	TaskType             string
	// Followup is a message about the finished evaluation to handle after
	// the report is built.
	Followup   string
	Synthesize *bool
}

// OutputRunsReport groups the execution metadata of both prompts.
type OutputRunsReport struct {
	Original  *fanout.Summary `json:"original,omitempty"`
	Optimized *fanout.Summary `json:"optimized,omitempty"`
}

// Result is the complete outcome of RunEvaluation.
type Result struct {
	RunID    string         `json:"run_id"`
	Phase    pipeline.Phase `json:"phase"`
	Mode     Mode           `json:"mode,omitempty"`
	TaskType string         `json:"task_type,omitempty"`

	OverallScore    int                `json:"overall_score"`
	Grade           string             `json:"grade"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Flags           map[string]bool    `json:"flags,omitempty"`
	ChunkCount      int                `json:"chunk_count"`

	Composite           *composite.Score     `json:"composite"`
	Branches            *branching.Selection `json:"branches,omitempty"`
	OutputRuns          OutputRunsReport     `json:"output_runs"`
	OriginalEvaluation  *OutputEvaluation    `json:"original_evaluation,omitempty"`
	OptimizedEvaluation *OutputEvaluation    `json:"optimized_evaluation,omitempty"`
	Meta                *Meta                `json:"meta,omitempty"`

	Improvements []branching.Improvement `json:"improvements"`
	Rewritten    string                  `json:"rewritten,omitempty"`
	Similar      []history.Match         `json:"similar,omitempty"`
	Summary      string                  `json:"summary,omitempty"`
	Followup     *Followup               `json:"followup,omitempty"`
	Notes        []string                `json:"notes,omitempty"`

	StepHistory []string               `json:"step_history"`
	Skipped     []pipeline.SkippedStep `json:"skipped,omitempty"`

	TerminalError *fault.Error  `json:"terminal_error,omitempty"`
	Placeholder   bool          `json:"placeholder"`
	Duration      time.Duration `json:"duration_ns"`
}

// EvaluatedText returns the text of the final evaluation pass.
func (r *Result) EvaluatedText(input string) string {
	if r.Followup != nil && r.Followup.Intent == IntentReEvaluate && r.Followup.NewInput != "" {
		return r.Followup.NewInput
	}
	return input
}

// HistoryRecord converts a finished result into a record for the
// similar-evaluations store.
func HistoryRecord(input string, res *Result) history.Record {
	return history.Record{
		RunID:        res.RunID,
		Input:        res.EvaluatedText(input),
		TaskType:     res.TaskType,
		OverallScore: res.OverallScore,
		Grade:        res.Grade,
		Summary:      res.Summary,
	}
}

// Recordable reports whether res is worth remembering: it finished without
// error and its scores are real.
func (r *Result) Recordable() bool {
	return r.TerminalError == nil && !r.Placeholder
}

// RunEvaluation evaluates input. It never returns nil.
func (s *Service) RunEvaluation(ctx context.Context, input string, opts Options) *Result {
	start := time.Now()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	phase, ok := pipeline.ParsePhase(string(opts.Phase))
	if !ok {
		return s.rejected(runID, opts.Phase, fault.New(fault.FatalContent, "options", fmt.Sprintf("unknown phase %q", opts.Phase)), start)
	}
	if _, ok := ParseMode(string(opts.Mode)); !ok {
		return s.rejected(runID, phase, fault.New(fault.FatalContent, "options", fmt.Sprintf("unknown mode %q", opts.Mode)), start)
	}

	req := Request{
		ExecutionCount:       opts.ExecutionCount,
		ChunkThresholdTokens: opts.ChunkThresholdTokens,
		Mode:                 opts.Mode,
		TaskType:             opts.TaskType,
		Followup:             opts.Followup,
		Synthesize:           s.cfg.Synthesize,
	}
	if req.ExecutionCount == 0 {
		req.ExecutionCount = s.cfg.ExecutionCount
	}
	if opts.Synthesize != nil {
		req.Synthesize = *opts.Synthesize
	}

	s.logger.Info(ctx, "evaluation started",
		zap.String("phase", string(phase)),
		zap.Int("input_chars", len(input)),
		zap.Int("executions", req.ExecutionCount))

	state := pipeline.NewState(runID, input, phase)
	state.Set(FieldRequest, req)
	state = s.exec.Run(ctx, state)

	res := s.assemble(state, start)
	outcome := "ok"
	if res.TerminalError != nil {
		outcome = string(res.TerminalError.Kind)
	}
	evaluations.WithLabelValues(string(phase), outcome).Inc()
	if res.TerminalError == nil {
		overallScores.Observe(float64(res.OverallScore))
	}
	s.logger.Info(ctx, "evaluation finished",
		zap.String("outcome", outcome),
		zap.Int("overall_score", res.OverallScore),
		zap.Bool("placeholder", res.Placeholder),
		zap.Duration("duration", res.Duration))
	return res
}

func (s *Service) rejected(runID string, phase pipeline.Phase, err *fault.Error, start time.Time) *Result {
	evaluations.WithLabelValues(string(phase), string(err.Kind)).Inc()
	res := &Result{RunID: runID, Phase: phase, TerminalError: err}
	s.applyPlaceholders(res)
	res.Duration = time.Since(start)
	return res
}

// assemble turns a terminal state into a Result.
func (s *Service) assemble(state *pipeline.State, start time.Time) *Result {
	res := &Result{
		RunID:         state.RunID,
		Phase:         state.Phase,
		StepHistory:   state.History,
		Skipped:       state.Skipped,
		TerminalError: state.Err,
	}

	if r, ok := pipeline.Lookup[*Routing](state, FieldRouting); ok {
		res.Mode = r.Mode
		res.TaskType = r.TaskType
	}
	if a, ok := pipeline.Lookup[*Analysis](state, FieldAnalysis); ok {
		res.DimensionScores = a.Dimensions
		res.Flags = a.Flags
		res.ChunkCount = a.ChunkCount
		res.Similar = a.Similar
		res.Placeholder = a.Placeholder
		if len(a.FailedChunk) > 0 {
			res.Notes = append(res.Notes, fmt.Sprintf("%d of %d chunks failed analysis", len(a.FailedChunk), a.ChunkCount))
		}
	}
	if sc, ok := pipeline.Lookup[*StructuralScore](state, FieldScore); ok {
		res.OverallScore = sc.Overall
		res.Grade = sc.Grade
	}
	if runs, ok := pipeline.Lookup[*OutputRuns](state, FieldOriginalRuns); ok {
		res.OutputRuns.Original = &runs.Summary
		res.Notes = append(res.Notes, failureNote("original", runs.Summary)...)
	}
	if runs, ok := pipeline.Lookup[*OutputRuns](state, FieldOptimizedRuns); ok {
		res.OutputRuns.Optimized = &runs.Summary
		res.Notes = append(res.Notes, failureNote("optimized", runs.Summary)...)
	}
	res.OriginalEvaluation, _ = pipeline.Lookup[*OutputEvaluation](state, FieldOriginalEval)
	res.OptimizedEvaluation, _ = pipeline.Lookup[*OutputEvaluation](state, FieldOptimizedEval)
	if imp, ok := pipeline.Lookup[*Improvement](state, FieldImprovement); ok {
		res.Branches = imp.Selection
		res.Improvements = imp.Improvements
		res.Rewritten = imp.Rewritten
	}
	if m, ok := pipeline.Lookup[*Meta](state, FieldMeta); ok {
		res.Meta = m
		res.Improvements = m.Improvements
		res.Rewritten = m.Rewritten
	}
	if rep, ok := pipeline.Lookup[*Report](state, FieldReport); ok {
		res.Composite = rep.Composite
		res.Summary = rep.Summary
		res.Improvements = rep.Improvements
		res.Rewritten = rep.Rewritten
	}
	if f, ok := pipeline.Lookup[*Followup](state, FieldFollowup); ok {
		res.Followup = f
		if f.Intent == IntentAdjustRewrite && f.NewRewrite != "" {
			res.Rewritten = f.NewRewrite
		}
		if f.Intent == IntentModeSwitch && f.NewMode != "" {
			res.Mode = f.NewMode
		}
	}
	if res.Phase == pipeline.PhaseOutput && res.OriginalEvaluation != nil && res.TerminalError == nil {
		res.OverallScore = int(res.OriginalEvaluation.Overall + 0.5)
		res.Grade = res.OriginalEvaluation.Grade
	}

	if res.TerminalError != nil {
		s.applyPlaceholders(res)
	} else if res.Composite == nil {
		res.Composite = composite.Placeholder(s.cfg.Weights)
	}
	if res.Improvements == nil {
		res.Improvements = []branching.Improvement{}
	}
	res.Duration = time.Since(start)
	return res
}

// applyPlaceholders replaces scores with neutral, flagged values.
func (s *Service) applyPlaceholders(res *Result) {
	res.Placeholder = true
	res.DimensionScores = make(map[string]float64, len(StructuralDimensions))
	for _, d := range StructuralDimensions {
		res.DimensionScores[d] = 50
	}
	res.OverallScore = 50
	res.Grade = Grade(50)
	res.Composite = composite.Placeholder(s.cfg.Weights)
	if res.Improvements == nil {
		res.Improvements = []branching.Improvement{}
	}
}

func failureNote(label string, sum fanout.Summary) []string {
	if len(sum.Failures) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d of %d %s executions failed", len(sum.Failures), sum.Total, label)}
}
