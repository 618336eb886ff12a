package evaluator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/branching"
	"github.com/fyrsmithlabs/promptgrade/internal/composite"
	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

func (s *Service) reportStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepBuildReport,
		In: []pipeline.Field{
			FieldScore, FieldOriginalEval, FieldOptimizedEval, FieldImprovement, FieldMeta,
		},
		Out: []pipeline.Field{FieldReport},
		Fn: func(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
			var sig composite.Signals
			rep := &Report{}
			var lines []string

			if sc, ok := pipeline.Get[*StructuralScore](v, FieldScore); ok {
				overall := sc.Overall
				sig.StructuralScore = &overall
				lines = append(lines, fmt.Sprintf("Structural score %d/100 (%s).", sc.Overall, sc.Grade))
			}
			orig, hasOrig := pipeline.Get[*OutputEvaluation](v, FieldOriginalEval)
			if hasOrig {
				o := orig.Overall
				sig.OriginalOutput = &o
				lines = append(lines, fmt.Sprintf("Output quality %.0f/100 (%s).", orig.Overall, orig.Grade))
			}
			if opt, ok := pipeline.Get[*OutputEvaluation](v, FieldOptimizedEval); ok {
				o := opt.Overall
				sig.OptimizedOutput = &o
				if hasOrig {
					lines = append(lines, fmt.Sprintf("Rewritten prompt output quality %.0f/100 (%+.0f).", opt.Overall, opt.Overall-orig.Overall))
				}
			}
			if imp, ok := pipeline.Get[*Improvement](v, FieldImprovement); ok && imp != nil {
				rep.Improvements, rep.Rewritten = imp.Improvements, imp.Rewritten
				if imp.Selection != nil {
					c := imp.Selection.Confidence
					sig.BranchConfidence = &c
				}
			}
			if m, ok := pipeline.Get[*Meta](v, FieldMeta); ok {
				rep.Improvements, rep.Rewritten = m.Improvements, m.Rewritten
				c := m.Assessment.OverallConfidence
				sig.MetaConfidence = &c
				lines = append(lines, fmt.Sprintf("Evaluation confidence %.2f.", c))
			}

			score, err := composite.Combine(sig.Components(), s.cfg.Weights)
			if err != nil {
				return pipeline.Fatal(fault.Wrap(fault.FatalInfrastructure, "composite", err)), nil
			}
			rep.Composite = score
			if rep.Improvements == nil {
				rep.Improvements = []branching.Improvement{}
			}
			lines = append(lines, fmt.Sprintf("%d improvements suggested; composite %d.", len(rep.Improvements), score.Value))
			rep.Summary = strings.Join(lines, " ")
			return pipeline.Continue(pipeline.Updates{FieldReport: rep}), nil
		},
	}
}

func (s *Service) followupStep() pipeline.Step {
	return &pipeline.StepFunc{
		StepName: StepHandleFollowup,
		In:       []pipeline.Field{FieldRequest, FieldRouting, FieldReport},
		Out:      append([]pipeline.Field{FieldFollowup}, perPass...),
		Fn:       s.handleFollowup,
	}
}

type followupPayload struct {
	Intent     string `json:"intent"`
	Response   string `json:"response"`
	NewPrompt  string `json:"new_prompt"`
	NewRewrite string `json:"new_rewrite"`
	NewMode    string `json:"new_mode"`
}

const followupFallback = "The follow-up could not be interpreted. The evaluation above is unchanged; ask about a specific score or finding."

// handleFollowup classifies the follow-up message. Re-evaluation clears the
// per-pass results so the graph starts the next pass from routing.
func (s *Service) handleFollowup(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
	req, _ := pipeline.Get[Request](v, FieldRequest)
	routing, _ := pipeline.Get[*Routing](v, FieldRouting)
	rep, _ := pipeline.Get[*Report](v, FieldReport)

	var b strings.Builder
	if routing != nil {
		fmt.Fprintf(&b, "Evaluated prompt (%s):\n```\n%s\n```\n\n", routing.Mode, branching.Excerpt(routing.Text, excerptLimit, excerptKeep))
	}
	if rep != nil {
		fmt.Fprintf(&b, "Evaluation summary: %s\n", rep.Summary)
		if rep.Rewritten != "" {
			fmt.Fprintf(&b, "\nCurrent rewrite:\n```\n%s\n```\n", rep.Rewritten)
		}
	}
	fmt.Fprintf(&b, "\nFollow-up message:\n%s", req.Followup)

	out, err := generation.GenerateWithin(ctx, s.client, s.cfg.CallTimeout, b.String(), generation.Options{
		Temperature: s.cfg.Temperature,
		System:      followupInstructions,
		Schema:      followupSchema,
	})
	var p followupPayload
	if err == nil {
		err = generation.DecodeStructured(out.Text, &p)
	}
	if err != nil {
		if fault.KindOf(err) == fault.Cancelled {
			return pipeline.Fatal(err), nil
		}
		s.logger.Warn(ctx, "follow-up classification failed, answering as explain", zap.Error(err))
		return pipeline.Continue(pipeline.Updates{
			FieldFollowup: &Followup{Intent: IntentExplain, Response: followupFallback},
		}), nil
	}

	f := parseFollowup(p)
	s.logger.Info(ctx, "follow-up handled", zap.String("intent", f.Intent))
	updates := pipeline.Updates{FieldFollowup: f}
	if f.Intent == IntentReEvaluate {
		for _, field := range perPass {
			updates[field] = nil
		}
	}
	return pipeline.Continue(updates), nil
}

// parseFollowup downgrades unusable classifications to explain.
func parseFollowup(p followupPayload) *Followup {
	f := &Followup{Intent: strings.TrimSpace(p.Intent), Response: strings.TrimSpace(p.Response)}
	switch f.Intent {
	case IntentReEvaluate:
		f.NewInput = strings.TrimSpace(p.NewPrompt)
	case IntentAdjustRewrite:
		f.NewRewrite = strings.TrimSpace(p.NewRewrite)
		if f.NewRewrite == "" {
			f.Intent = IntentExplain
		}
	case IntentModeSwitch:
		mode, ok := ParseMode(strings.TrimSpace(p.NewMode))
		if !ok || mode == ModeAuto {
			f.Intent = IntentExplain
			break
		}
		f.NewMode = mode
	case IntentExplain:
	default:
		f.Intent = IntentExplain
	}
	if f.Response == "" {
		f.Response = followupFallback
	}
	return f
}
