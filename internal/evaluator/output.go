package evaluator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/fanout"
	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

// systemProbe is the user turn sent when executing a system prompt.
const systemProbe = "Introduce yourself briefly, then show how you would handle a typical request you are configured for."

func (s *Service) fanoutStep(name string, runs pipeline.Field, optimized bool) pipeline.Step {
	in := []pipeline.Field{FieldRequest, FieldRouting}
	if optimized {
		in = append(in, FieldImprovement)
	}
	return &pipeline.StepFunc{
		StepName: name,
		In:       in,
		Out:      []pipeline.Field{runs},
		Fn: func(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
			req, _ := pipeline.Get[Request](v, FieldRequest)
			routing, ok := pipeline.Get[*Routing](v, FieldRouting)
			if !ok {
				return pipeline.Fatal(fault.New(fault.FatalInfrastructure, name, "routing result missing")), nil
			}
			text := routing.Text
			if optimized {
				text = rewriteOf(v)
				if text == "" {
					return pipeline.Skip("no rewritten prompt to execute"), nil
				}
			}

			out, err := s.execute(ctx, name, text, routing.Mode, req.ExecutionCount)
			if err != nil {
				return pipeline.Fatal(err), nil
			}
			return pipeline.Continue(pipeline.Updates{runs: out}), nil
		},
	}
}

func rewriteOf(v *pipeline.View) string {
	if imp, ok := pipeline.Get[*Improvement](v, FieldImprovement); ok && imp != nil {
		return imp.Rewritten
	}
	return ""
}

// execute runs text n times concurrently and fails only when every run did.
func (s *Service) execute(ctx context.Context, id, text string, mode Mode, n int) (*OutputRuns, error) {
	task := fanout.Task{ID: id, Prompt: text, Options: generation.Options{Temperature: s.cfg.Temperature}}
	if mode == ModeSystemPrompt {
		task.Prompt = systemProbe
		task.Options.System = text
	}
	results, err := s.fanout.RunN(ctx, task, n)
	if err != nil {
		return nil, fault.Wrap(fault.FatalContent, "fanout", err)
	}
	sum := fanout.Summarize(results)
	if ferr := sum.Err(); ferr != nil {
		return nil, ferr
	}
	if len(sum.Failures) > 0 {
		s.logger.Warn(ctx, "some executions failed",
			zap.String("task", id),
			zap.Int("failed", len(sum.Failures)),
			zap.Int("total", sum.Total))
	}
	return &OutputRuns{Prompt: text, Summary: sum}, nil
}

func (s *Service) judgeStep(name string, runs, eval pipeline.Field) pipeline.Step {
	return &pipeline.StepFunc{
		StepName: name,
		In:       []pipeline.Field{FieldRouting, runs},
		Out:      []pipeline.Field{eval},
		Fn: func(ctx context.Context, v *pipeline.View) (pipeline.Result, error) {
			r, ok := pipeline.Get[*OutputRuns](v, runs)
			if !ok {
				return pipeline.Skip("no executions to evaluate"), nil
			}
			routing, _ := pipeline.Get[*Routing](v, FieldRouting)
			cat, err := s.registry.Get(routing.TaskType)
			if err != nil {
				return pipeline.Fatal(fault.Wrap(fault.FatalContent, name, err)), nil
			}
			ev, err := s.judge(ctx, cat, r)
			if err != nil {
				return pipeline.Fatal(err), nil
			}
			return pipeline.Continue(pipeline.Updates{eval: ev}), nil
		},
	}
}

type judgedDimension struct {
	Name    string   `json:"name"`
	Score   *float64 `json:"score"`
	Comment string   `json:"comment"`
}

type judgePayload struct {
	Dimensions   []judgedDimension `json:"dimensions"`
	OverallScore *float64          `json:"overall_score"`
	Findings     []string          `json:"findings"`
}

func (s *Service) judge(ctx context.Context, cat Category, runs *OutputRuns) (*OutputEvaluation, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Prompt:\n```\n%s\n```\n\n", runs.Prompt)
	fmt.Fprintf(&b, "Generated output (%d of %d runs succeeded):\n%s\n\n", runs.Succeeded(), runs.Total, runs.Combined)
	fmt.Fprintf(&b, "Score these dimensions: %s.", strings.Join(cat.OutputDimensions, ", "))

	out, err := generation.GenerateWithin(ctx, s.client, s.cfg.CallTimeout, b.String(), generation.Options{
		Temperature: s.cfg.Temperature,
		System:      cat.PromptShape + "\n\n" + outputJudgeInstructions,
		Schema:      outputEvaluationSchema,
	})
	if err != nil {
		return nil, fault.Classify(err).WithOp("judge")
	}
	var p judgePayload
	if err := generation.DecodeStructured(out.Text, &p); err != nil {
		return nil, err
	}

	ev := &OutputEvaluation{
		Dimensions: make(map[string]float64, len(p.Dimensions)),
		Comments:   make(map[string]string, len(p.Dimensions)),
		Findings:   p.Findings,
	}
	var sum float64
	for _, d := range p.Dimensions {
		key := dimensionKey(d.Name)
		if key == "" || d.Score == nil {
			continue
		}
		score := math.Max(0, math.Min(1, *d.Score))
		ev.Dimensions[key] = score
		sum += score
		if d.Comment != "" {
			ev.Comments[key] = d.Comment
		}
	}
	switch {
	case p.OverallScore != nil:
		ev.Overall = math.Max(0, math.Min(1, *p.OverallScore)) * 100
	case len(ev.Dimensions) > 0:
		ev.Overall = sum / float64(len(ev.Dimensions)) * 100
	default:
		return nil, fault.New(fault.FatalContent, "decode", "malformed structured output: no output scores")
	}
	ev.Overall = math.Round(ev.Overall*10) / 10
	ev.Grade = Grade(ev.Overall)
	return ev, nil
}

func dimensionKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}
