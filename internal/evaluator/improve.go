package evaluator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/branching"
	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

const (
	// excerptLimit is the length above which improvement and audit prompts
	// see an excerpt of the input.
	excerptLimit = 8000
	excerptKeep  = 4000
)

// MetaPrefix marks improvements added by meta-evaluation.
const MetaPrefix = "[Meta] "

func (s *Service) improveStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepImprove,
		In:       []pipeline.Field{FieldRequest, FieldRouting, FieldAnalysis, FieldScore, FieldOriginalEval},
		Out:      []pipeline.Field{FieldImprovement},
		Fn: func(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
			req, _ := pipeline.Get[Request](v, FieldRequest)
			routing, ok := pipeline.Get[*Routing](v, FieldRouting)
			if !ok {
				return pipeline.Fatal(fault.New(fault.FatalInfrastructure, StepImprove, "routing result missing")), nil
			}
			cat, err := s.registry.Get(routing.TaskType)
			if err != nil {
				return pipeline.Fatal(fault.Wrap(fault.FatalContent, StepImprove, err)), nil
			}

			system := cat.PromptShape + "\n\n" + improveInstructions
			if routing.Mode == ModeSystemPrompt {
				system += "\n\n" + systemPromptInstructions
			}
			sel, err := s.explorer.Explore(ctx, branching.Request{
				Context:    improvementBrief(v, routing.Text),
				System:     system,
				M:          s.cfg.Branches,
				Synthesize: req.Synthesize,
			})
			if err != nil {
				return pipeline.Fatal(fault.Classify(err).WithOp("improve")), nil
			}
			s.logger.Info(ctx, "improvement selected",
				zap.Int("branch", sel.SelectedIndex),
				zap.Int("survivors", len(sel.Branches)),
				zap.Bool("synthesized", sel.Synthesized))
			return pipeline.Continue(pipeline.Updates{
				FieldImprovement: &Improvement{
					Selection:    sel,
					Improvements: sel.Improvements,
					Rewritten:    sel.Artifact,
				},
			}), nil
		},
	}
}

// improvementBrief is the shared context every branch works from.
func improvementBrief(v *pipeline.View, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original prompt:\n```\n%s\n```\n", branching.Excerpt(text, excerptLimit, excerptKeep))
	writeFindings(&b, v)
	return b.String()
}

// writeFindings appends the analysis, score and output findings the view
// can see.
func writeFindings(b *strings.Builder, v *pipeline.View) {
	if a, ok := pipeline.Get[*Analysis](v, FieldAnalysis); ok {
		b.WriteString("\nStructural analysis:\n")
		for _, d := range StructuralDimensions {
			fmt.Fprintf(b, "- %s: %.0f/100", d, a.Dimensions[d])
			if note := a.Notes[d]; note != "" {
				fmt.Fprintf(b, " (%s)", note)
			}
			b.WriteString("\n")
		}
	}
	if sc, ok := pipeline.Get[*StructuralScore](v, FieldScore); ok {
		fmt.Fprintf(b, "Overall structural score: %d (%s)\n", sc.Overall, sc.Grade)
	}
	if ev, ok := pipeline.Get[*OutputEvaluation](v, FieldOriginalEval); ok {
		fmt.Fprintf(b, "\nOutput quality: %.0f/100 (%s)\n", ev.Overall, ev.Grade)
		for _, f := range ev.Findings {
			fmt.Fprintf(b, "- %s\n", f)
		}
	}
}

func (s *Service) metaStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepMetaEvaluate,
		In: []pipeline.Field{
			FieldRouting, FieldAnalysis, FieldScore, FieldOriginalEval,
			FieldImprovement, FieldOptimizedEval,
		},
		Out: []pipeline.Field{FieldMeta},
		Fn:  s.metaEvaluate,
	}
}

type metaPayload struct {
	Assessment struct {
		Accuracy          *float64 `json:"accuracy_score"`
		Completeness      *float64 `json:"completeness_score"`
		Actionability     *float64 `json:"actionability_score"`
		Faithfulness      *float64 `json:"faithfulness_score"`
		OverallConfidence *float64 `json:"overall_confidence"`
	} `json:"meta_assessment"`
	Findings       []string                `json:"meta_findings"`
	Refined        []branching.Improvement `json:"refined_improvements"`
	RefinedRewrite string                  `json:"refined_rewritten_prompt"`
}

// metaEvaluate audits the evaluation so far. A failed audit is skipped
// rather than failing the run.
func (s *Service) metaEvaluate(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
	routing, ok := pipeline.Get[*Routing](v, FieldRouting)
	if !ok {
		return pipeline.Fatal(fault.New(fault.FatalInfrastructure, StepMetaEvaluate, "routing result missing")), nil
	}
	var base []branching.Improvement
	var rewrite string
	if imp, ok := pipeline.Get[*Improvement](v, FieldImprovement); ok && imp != nil {
		base, rewrite = imp.Improvements, imp.Rewritten
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prompt under evaluation:\n```\n%s\n```\n", branching.Excerpt(routing.Text, excerptLimit, excerptKeep))
	writeFindings(&b, v)
	if ev, ok := pipeline.Get[*OutputEvaluation](v, FieldOptimizedEval); ok {
		fmt.Fprintf(&b, "Optimized output quality: %.0f/100 (%s)\n", ev.Overall, ev.Grade)
	}
	if len(base) > 0 {
		b.WriteString("\nImprovements:\n")
		for _, imp := range base {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", imp.Priority, imp.Title, imp.Suggestion)
		}
	}
	if rewrite != "" {
		fmt.Fprintf(&b, "\nRewritten prompt:\n```\n%s\n```\n", rewrite)
	}

	out, err := generation.GenerateWithin(ctx, s.client, s.cfg.CallTimeout, b.String(), generation.Options{
		Temperature: s.cfg.Temperature,
		System:      metaInstructions,
		Schema:      metaSchema,
	})
	var p metaPayload
	if err == nil {
		err = generation.DecodeStructured(out.Text, &p)
	}
	if err != nil {
		if fault.KindOf(err) == fault.Cancelled {
			return pipeline.Fatal(err), nil
		}
		s.logger.Warn(ctx, "meta-evaluation unavailable", zap.Error(err))
		return pipeline.Skip("meta-evaluation failed: " + fault.Classify(err).UserMessage()), nil
	}

	m := &Meta{
		Assessment: MetaAssessment{
			Accuracy:          unitOr(p.Assessment.Accuracy, 0.5),
			Completeness:      unitOr(p.Assessment.Completeness, 0.5),
			Actionability:     unitOr(p.Assessment.Actionability, 0.5),
			Faithfulness:      unitOr(p.Assessment.Faithfulness, 0.5),
			OverallConfidence: unitOr(p.Assessment.OverallConfidence, 0.5),
		},
		Findings:     p.Findings,
		Improvements: append([]branching.Improvement{}, base...),
		Rewritten:    rewrite,
	}
	for _, r := range p.Refined {
		if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Suggestion) == "" {
			continue
		}
		r.Title = MetaPrefix + r.Title
		m.Improvements = append(m.Improvements, r)
	}
	if refined := strings.TrimSpace(p.RefinedRewrite); refined != "" {
		m.Rewritten = refined
	}
	return pipeline.Continue(pipeline.Updates{FieldMeta: m}), nil
}

// unitOr clamps *p to [0, 1], or returns def when p is nil.
func unitOr(p *float64, def float64) float64 {
	if p == nil || math.IsNaN(*p) {
		return def
	}
	return math.Max(0, math.Min(1, *p))
}
