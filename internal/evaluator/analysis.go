package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/chunking"
	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

var systemPromptSignals = []string{
	"system prompt",
	"system message",
	"system instruction",
	"evaluate my system",
	"evaluate this system",
	"you are a",
	"you are an",
}

var continuationSignals = []string{
	"as discussed", "as mentioned", "based on the above", "from earlier",
	"your previous response", "the code you wrote", "what you said",
	"the example above", "continuing from", "from our last",
}

var anaphora = regexp.MustCompile(`(?i)\b(?:it|this|that|these|those)\b`)

// shortPromptWords is the length at or under which anaphora mark a
// continuation.
const shortPromptWords = 30

// DetectMode reports whether text reads as a system prompt.
func DetectMode(text string) Mode {
	lower := strings.ToLower(text)
	for _, sig := range systemPromptSignals {
		if strings.Contains(lower, sig) {
			return ModeSystemPrompt
		}
	}
	return ModePrompt
}

// IsContinuation reports whether text depends on an earlier conversation
// turn: it names one explicitly, or it is short and anaphoric.
func IsContinuation(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range continuationSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	if len(strings.Fields(text)) > shortPromptWords {
		return false
	}
	return anaphora.MatchString(text) || strings.Contains(lower, "the code") || strings.Contains(lower, "the output")
}

func (s *Service) routeStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepRoute,
		In:       []pipeline.Field{FieldRequest, FieldFollowup},
		Out:      []pipeline.Field{FieldRouting},
		Fn:       s.route,
	}
}

func (s *Service) route(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
	req, _ := pipeline.Get[Request](v, FieldRequest)
	prev, _ := pipeline.Get[*Routing](v, FieldRouting)

	text, pass := v.Input(), 1
	if prev != nil {
		text, pass = prev.Text, prev.Pass+1
	}
	if f, ok := pipeline.Get[*Followup](v, FieldFollowup); ok && f.NewInput != "" {
		text = f.NewInput
	}
	if strings.TrimSpace(text) == "" {
		return pipeline.Fatal(fault.New(fault.FatalContent, "route", "The input is empty.")), nil
	}

	mode := req.Mode
	if mode == ModeAuto {
		mode = DetectMode(text)
	}
	if mode == ModePrompt && IsContinuation(text) {
		return pipeline.Fatal(fault.New(fault.FatalContent, "route",
			"The input refers to an earlier conversation turn. Provide a standalone prompt to evaluate.")), nil
	}

	var cat Category
	if req.TaskType != "" {
		c, err := s.registry.Get(req.TaskType)
		if err != nil {
			return pipeline.Fatal(fault.Wrap(fault.FatalContent, "route", err)), nil
		}
		cat = c
	} else {
		cat = s.registry.Classify(text)
	}

	s.logger.Info(ctx, "input routed",
		zap.String("mode", string(mode)),
		zap.String("task_type", cat.Key),
		zap.Int("pass", pass))
	return pipeline.Continue(pipeline.Updates{
		FieldRouting: &Routing{Mode: mode, TaskType: cat.Key, Text: text, Pass: pass},
	}), nil
}

func (s *Service) analyzeStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepAnalyze,
		In:       []pipeline.Field{FieldRequest, FieldRouting},
		Out:      []pipeline.Field{FieldAnalysis},
		Fn:       s.analyze,
	}
}

type dimensionPayload struct {
	Score   *float64 `json:"score"`
	Comment string   `json:"comment"`
}

type analysisPayload struct {
	Dimensions map[string]dimensionPayload `json:"dimensions"`
	Flags      map[string]bool             `json:"tcrei_flags"`
}

func (s *Service) analyze(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
	req, _ := pipeline.Get[Request](v, FieldRequest)
	routing, ok := pipeline.Get[*Routing](v, FieldRouting)
	if !ok {
		return pipeline.Fatal(fault.New(fault.FatalInfrastructure, "analyze", "routing result missing")), nil
	}
	cat, err := s.registry.Get(routing.TaskType)
	if err != nil {
		return pipeline.Fatal(fault.Wrap(fault.FatalContent, "analyze", err)), nil
	}

	similar, err := s.history.Find(ctx, routing.Text)
	if err != nil {
		s.logger.Warn(ctx, "similar evaluation lookup failed", zap.Error(err))
		similar = nil
	}
	system := analysisSystem(cat, routing.Mode, similar)

	agg := s.chunks.WithThreshold(req.ChunkThresholdTokens)
	res, err := agg.Evaluate(ctx, routing.Text, func(ctx context.Context, c chunking.Chunk) (chunking.Assessment, error) {
		return s.assessChunk(ctx, c, system)
	})
	if err != nil {
		if !isMalformed(err) {
			return pipeline.Fatal(err), nil
		}
		s.logger.Warn(ctx, "analysis output unusable, substituting neutral scores", zap.Error(err))
		return pipeline.Continue(pipeline.Updates{FieldAnalysis: placeholderAnalysis(similar)}), nil
	}

	a := &Analysis{
		Dimensions:  make(map[string]float64, len(StructuralDimensions)),
		Flags:       make(map[string]bool, 5),
		Notes:       res.Notes,
		ChunkCount:  res.ChunkCount,
		FailedChunk: res.Failed,
		Similar:     similar,
	}
	for _, d := range StructuralDimensions {
		a.Dimensions[d] = math.Round(res.Scores[d]*10) / 10
	}
	for _, f := range []string{"task", "context", "references", "evaluate", "iterate"} {
		a.Flags[f] = res.Flags[f]
	}
	return pipeline.Continue(pipeline.Updates{FieldAnalysis: a}), nil
}

func (s *Service) assessChunk(ctx context.Context, c chunking.Chunk, system string) (chunking.Assessment, error) {
	prompt := fmt.Sprintf("Evaluate this prompt:\n\n```\n%s\n```", c.Text)
	if c.Section != "" || c.Index > 0 {
		prompt = fmt.Sprintf("This is part %d of a longer prompt (section: %q). Score only what this part contributes.\n\n%s",
			c.Index+1, c.Section, prompt)
	}
	out, err := generation.GenerateWithin(ctx, s.client, s.cfg.CallTimeout, prompt, generation.Options{
		Temperature: s.cfg.Temperature,
		System:      system,
		Schema:      analysisSchema,
	})
	if err != nil {
		return chunking.Assessment{}, err
	}

	var p analysisPayload
	if err := generation.DecodeStructured(out.Text, &p); err != nil {
		return chunking.Assessment{}, err
	}
	as := chunking.Assessment{
		Scores: make(map[string]float64, len(StructuralDimensions)),
		Flags:  p.Flags,
		Notes:  make(map[string]string),
	}
	for _, d := range StructuralDimensions {
		dp := p.Dimensions[d]
		if dp.Score != nil {
			as.Scores[d] = math.Max(0, math.Min(100, *dp.Score))
		}
		if dp.Comment != "" {
			as.Notes[d] = dp.Comment
		}
	}
	return as, nil
}

func analysisSystem(cat Category, mode Mode, similar []history.Match) string {
	var b strings.Builder
	b.WriteString(cat.PromptShape)
	b.WriteString("\n\n")
	b.WriteString(analysisInstructions)
	if mode == ModeSystemPrompt {
		b.WriteString("\n\n")
		b.WriteString(systemPromptInstructions)
	}
	if past := history.Summarize(similar); past != "" {
		b.WriteString("\n\n")
		b.WriteString(past)
	}
	return b.String()
}

func placeholderAnalysis(similar []history.Match) *Analysis {
	a := &Analysis{
		Dimensions:  make(map[string]float64, len(StructuralDimensions)),
		Flags:       map[string]bool{},
		ChunkCount:  1,
		Similar:     similar,
		Placeholder: true,
	}
	for _, d := range StructuralDimensions {
		a.Dimensions[d] = 50
	}
	return a
}

// isMalformed reports whether err is a structured-output decode failure.
func isMalformed(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Op == "decode"
}

func (s *Service) scoreStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepScore,
		In:       []pipeline.Field{FieldRouting, FieldAnalysis},
		Out:      []pipeline.Field{FieldScore},
		Fn: func(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
			routing, _ := pipeline.Get[*Routing](v, FieldRouting)
			a, ok := pipeline.Get[*Analysis](v, FieldAnalysis)
			if !ok || routing == nil {
				return pipeline.Fatal(fault.New(fault.FatalInfrastructure, "score", "analysis result missing")), nil
			}
			cat, err := s.registry.Get(routing.TaskType)
			if err != nil {
				return pipeline.Fatal(fault.Wrap(fault.FatalContent, "score", err)), nil
			}
			overall := StructuralOverall(a.Dimensions, cat.DimensionWeights)
			return pipeline.Continue(pipeline.Updates{
				FieldScore: &StructuralScore{Overall: overall, Grade: Grade(float64(overall))},
			}), nil
		},
	}
}

// StructuralOverall is round(Σ score·weight). Missing dimensions count as 0.
func StructuralOverall(scores, weights map[string]float64) int {
	var total float64
	for _, d := range StructuralDimensions {
		total += scores[d] * weights[d]
	}
	return int(math.Round(total))
}
