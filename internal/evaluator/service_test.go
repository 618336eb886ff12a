package evaluator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation/generationtest"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

const emailPrompt = "Write a product announcement email for our new analytics dashboard, aimed at existing customers, under 150 words, in a friendly tone."

const emailRewrite = "Draft a friendly launch announcement for the analytics dashboard addressed to existing customers. Stay under 150 words and close with a link to book a demo."

var (
	analysisReply = generationtest.JSON(map[string]any{
		"dimensions": map[string]any{
			"task":        map[string]any{"score": 80, "comment": "clear deliverable"},
			"context":     map[string]any{"score": 60, "comment": "audience named"},
			"references":  map[string]any{"score": 40},
			"constraints": map[string]any{"score": 70},
		},
		"tcrei_flags": map[string]bool{"task": true, "context": true},
	})

	originalJudgeReply = generationtest.JSON(map[string]any{
		"dimensions": []map[string]any{
			{"name": "tone_appropriateness", "score": 0.8, "comment": "warm"},
			{"name": "Audience Fit", "score": 0.6},
		},
		"overall_score": 0.7,
		"findings":      []string{"No call to action"},
	})

	optimizedJudgeReply = generationtest.JSON(map[string]any{
		"dimensions":    []map[string]any{{"name": "tone_appropriateness", "score": 0.9}},
		"overall_score": 0.85,
	})

	branchReply = generationtest.JSON(map[string]any{
		"approach": "Add a closing call to action",
		"improvements": []map[string]string{
			{"priority": "HIGH", "title": "Add call to action", "suggestion": "End with a demo link."},
		},
		"rewritten_prompt": emailRewrite,
		"confidence":       0.8,
	})

	selectionReply = generationtest.JSON(map[string]any{
		"selected_branch_index": 1,
		"synthesized_prompt":    "",
		"rationale":             "clearest rewrite",
	})

	metaReply = generationtest.JSON(map[string]any{
		"meta_assessment": map[string]float64{
			"accuracy_score":      0.9,
			"completeness_score":  0.8,
			"actionability_score": 0.85,
			"faithfulness_score":  0.9,
			"overall_confidence":  0.82,
		},
		"meta_findings": []string{"References score may be generous"},
		"refined_improvements": []map[string]string{
			{"priority": "MEDIUM", "title": "Name the sender", "suggestion": "Say who signs the email."},
		},
		"refined_rewritten_prompt": "",
	})
)

// scripted returns a fake that answers every stage of a successful run.
// Rules are ordered so stage markers win over the raw prompt text.
func scripted() *generationtest.Fake {
	return generationtest.New("fake").
		On("T.C.R.E.I.", analysisReply).
		On("LLM-as-judge", originalJudgeReply, optimizedJudgeReply).
		On("Strategy for this branch", branchReply).
		On("## Candidate branches", selectionReply).
		On("audit an evaluation", metaReply).
		Default(generationtest.Text("Subject: Meet your new analytics dashboard"))
}

func newTestService(t *testing.T, fake *generationtest.Fake, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(fake, DefaultConfig(), logging.NewNop(), opts...)
	require.NoError(t, err)
	return svc
}

func TestRunEvaluation_FullPhaseWithOneFailedExecution(t *testing.T) {
	fake := scripted().On(emailPrompt,
		generationtest.Text("Subject: Meet your new analytics dashboard"),
		generationtest.Fail(errors.New("connection reset by peer")))
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{ExecutionCount: 2})

	require.Nil(t, res.TerminalError)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []string{
		StepRoute, StepAnalyze, StepScore, StepFanoutOriginal, StepEvaluateOriginal,
		StepImprove, StepFanoutOptimized, StepEvaluateOptimized, StepMetaEvaluate, StepBuildReport,
	}, res.StepHistory)

	assert.Equal(t, ModePrompt, res.Mode)
	assert.Equal(t, "email_writing", res.TaskType)
	// 80*.30 + 60*.30 + 40*.10 + 70*.30
	assert.Equal(t, 67, res.OverallScore)
	assert.Equal(t, "Good", res.Grade)
	assert.Equal(t, 1, res.ChunkCount)
	assert.True(t, res.Flags["task"])
	assert.False(t, res.Flags["evaluate"])
	assert.False(t, res.Placeholder)

	require.NotNil(t, res.OutputRuns.Original)
	assert.Equal(t, 2, res.OutputRuns.Original.Total)
	assert.Len(t, res.OutputRuns.Original.Failures, 1)
	assert.Contains(t, res.Notes, "1 of 2 original executions failed")

	require.NotNil(t, res.OriginalEvaluation)
	assert.Equal(t, 70.0, res.OriginalEvaluation.Overall)
	assert.Contains(t, res.OriginalEvaluation.Dimensions, "audience_fit")
	require.NotNil(t, res.OptimizedEvaluation)
	assert.Equal(t, 85.0, res.OptimizedEvaluation.Overall)

	require.NotNil(t, res.Branches)
	assert.Equal(t, 1, res.Branches.SelectedIndex)
	assert.Equal(t, emailRewrite, res.Rewritten)
	require.Len(t, res.Improvements, 2)
	assert.Equal(t, "Add call to action", res.Improvements[0].Title)
	assert.Equal(t, MetaPrefix+"Name the sender", res.Improvements[1].Title)

	require.NotNil(t, res.Meta)
	assert.Equal(t, 0.82, res.Meta.Assessment.OverallConfidence)

	// .25*(100-67)/100 + .35*(85-70)/100 + .20*0.82 + .20*0.8 = 0.459
	require.NotNil(t, res.Composite)
	assert.Equal(t, 46, res.Composite.Value)
	assert.Empty(t, res.Composite.Defaulted)
}

func TestRunEvaluation_PhaseRouting(t *testing.T) {
	tests := []struct {
		phase   pipeline.Phase
		history []string
	}{
		{pipeline.PhaseStructure, []string{StepRoute, StepAnalyze, StepScore, StepImprove, StepMetaEvaluate, StepBuildReport}},
		{pipeline.PhaseOutput, []string{StepRoute, StepFanoutOriginal, StepEvaluateOriginal, StepMetaEvaluate, StepBuildReport}},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			svc := newTestService(t, scripted())
			res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: tt.phase})
			require.Nil(t, res.TerminalError)
			assert.Equal(t, tt.history, res.StepHistory)
		})
	}
}

func TestRunEvaluation_OutputPhaseScoresFromJudge(t *testing.T) {
	svc := newTestService(t, scripted())

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseOutput})

	require.Nil(t, res.TerminalError)
	assert.Equal(t, 70, res.OverallScore)
	assert.Equal(t, "Good", res.Grade)
	assert.Nil(t, res.Branches)
	assert.Empty(t, res.Rewritten)
	assert.Equal(t, []string{MetaPrefix + "Name the sender"}, titles(res))
	assert.Contains(t, res.Composite.Defaulted, "structural")
}

func TestRunEvaluation_StructureSkipsExecution(t *testing.T) {
	fake := scripted()
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseStructure})

	require.Nil(t, res.TerminalError)
	assert.Nil(t, res.OutputRuns.Original)
	assert.Nil(t, res.OriginalEvaluation)
	assert.Zero(t, fake.CallCount("LLM-as-judge"))
	assert.Equal(t, 3, fake.CallCount("Strategy for this branch"))
}

func TestRunEvaluation_RejectsContinuation(t *testing.T) {
	fake := scripted()
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), "Make it shorter.", Options{})

	require.NotNil(t, res.TerminalError)
	assert.Equal(t, fault.FatalContent, res.TerminalError.Kind)
	assert.Equal(t, StepRoute, res.TerminalError.Step)
	assert.Equal(t, []string{StepRoute}, res.StepHistory)
	assert.Empty(t, fake.Calls())

	assert.True(t, res.Placeholder)
	assert.Equal(t, 50, res.OverallScore)
	assert.Equal(t, "Needs Work", res.Grade)
	for _, d := range StructuralDimensions {
		assert.Equal(t, 50.0, res.DimensionScores[d])
	}
	require.NotNil(t, res.Composite)
	assert.True(t, res.Composite.Placeholder)
	assert.Equal(t, 50, res.Composite.Value)
	assert.NotNil(t, res.Improvements)
}

func TestRunEvaluation_SystemPromptExemptFromContinuationCheck(t *testing.T) {
	fake := scripted()
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), "You are a support assistant. Answer that briefly.", Options{Phase: pipeline.PhaseStructure})

	require.Nil(t, res.TerminalError)
	assert.Equal(t, ModeSystemPrompt, res.Mode)
	var system string
	for _, c := range fake.Calls() {
		if strings.Contains(c.Options.System, "T.C.R.E.I.") {
			system = c.Options.System
		}
	}
	assert.Contains(t, system, "standing instruction set")
}

func TestRunEvaluation_SystemPromptExecutesAsSystem(t *testing.T) {
	fake := scripted()
	svc := newTestService(t, fake)
	sys := "You are a concise release-notes writer for a developer tools company."

	res := svc.RunEvaluation(context.Background(), sys, Options{Phase: pipeline.PhaseOutput, Mode: ModeSystemPrompt})

	require.Nil(t, res.TerminalError)
	executions := 0
	for _, c := range fake.Calls() {
		if c.Options.System == sys {
			executions++
			assert.Equal(t, systemProbe, c.Prompt)
		}
	}
	assert.Equal(t, 2, executions)
}

func TestRunEvaluation_MalformedAnalysisUsesPlaceholder(t *testing.T) {
	fake := generationtest.New("fake").
		On("T.C.R.E.I.", generationtest.Text("I would rate this prompt fairly well.")).
		On("Strategy for this branch", branchReply).
		On("## Candidate branches", selectionReply).
		On("audit an evaluation", metaReply)
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseStructure})

	require.Nil(t, res.TerminalError)
	assert.True(t, res.Placeholder)
	assert.Equal(t, 50, res.OverallScore)
	assert.Equal(t, emailRewrite, res.Rewritten)
}

func TestRunEvaluation_AllExecutionsFailing(t *testing.T) {
	fake := scripted().Default(generationtest.Fail(errors.New("connection refused")))
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{})

	require.NotNil(t, res.TerminalError)
	assert.Equal(t, StepFanoutOriginal, res.TerminalError.Step)
	assert.Equal(t, fault.FatalInfrastructure, res.TerminalError.Kind)
	assert.True(t, res.Placeholder)
	assert.Equal(t, 50, res.OverallScore)
}

func TestRunEvaluation_ExecutionCountOutOfRange(t *testing.T) {
	svc := newTestService(t, scripted())

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{ExecutionCount: 9})

	require.NotNil(t, res.TerminalError)
	assert.Equal(t, fault.FatalContent, res.TerminalError.Kind)
	assert.Equal(t, StepFanoutOriginal, res.TerminalError.Step)
}

func TestRunEvaluation_MetaFailureIsSkipped(t *testing.T) {
	fake := generationtest.New("fake").
		On("T.C.R.E.I.", analysisReply).
		On("Strategy for this branch", branchReply).
		On("## Candidate branches", selectionReply).
		On("audit an evaluation", generationtest.Fail(errors.New("500 internal server error")))
	logger := logging.NewTestLogger()
	svc, err := NewService(fake, DefaultConfig(), logger.Logger)
	require.NoError(t, err)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseStructure})

	require.Nil(t, res.TerminalError)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, StepMetaEvaluate, res.Skipped[0].Step)
	assert.Nil(t, res.Meta)
	assert.Equal(t, emailRewrite, res.Rewritten)
	assert.Contains(t, res.Composite.Defaulted, "meta")
	logger.AssertLogged(t, zapcore.WarnLevel, "meta-evaluation unavailable")
}

func TestRunEvaluation_UnknownTaskType(t *testing.T) {
	svc := newTestService(t, scripted())

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{TaskType: "poetry"})

	require.NotNil(t, res.TerminalError)
	assert.Equal(t, fault.FatalContent, res.TerminalError.Kind)
	assert.ErrorIs(t, res.TerminalError, ErrUnknownCategory)
}

func TestRunEvaluation_ExplicitTaskType(t *testing.T) {
	svc := newTestService(t, scripted())

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseStructure, TaskType: "linkedin_post"})

	require.Nil(t, res.TerminalError)
	assert.Equal(t, "linkedin_post", res.TaskType)
	// 80*.25 + 60*.30 + 40*.15 + 70*.30
	assert.Equal(t, 65, res.OverallScore)
}

func TestRunEvaluation_InvalidOptions(t *testing.T) {
	svc := newTestService(t, scripted())

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: "partial"})
	require.NotNil(t, res.TerminalError)
	assert.Equal(t, fault.FatalContent, res.TerminalError.Kind)
	assert.True(t, res.Placeholder)
	assert.Empty(t, res.StepHistory)

	res = svc.RunEvaluation(context.Background(), emailPrompt, Options{Mode: "chat"})
	require.NotNil(t, res.TerminalError)
	assert.Contains(t, res.TerminalError.Error(), "unknown mode")
}

func TestRunEvaluation_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := newTestService(t, scripted())

	res := svc.RunEvaluation(ctx, emailPrompt, Options{})

	require.NotNil(t, res.TerminalError)
	assert.Equal(t, fault.Cancelled, res.TerminalError.Kind)
	assert.True(t, res.Placeholder)
}

func TestRunEvaluation_FollowupReEvaluates(t *testing.T) {
	updated := "Write a product announcement email for the analytics dashboard launch for existing customers, 120 words, friendly, ending with a demo link."
	fake := scripted().On("follow-up message", generationtest.JSON(map[string]string{
		"intent":     IntentReEvaluate,
		"response":   "Re-evaluating the updated prompt.",
		"new_prompt": updated,
	}))
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{
		Phase:    pipeline.PhaseStructure,
		Followup: "Here is my updated prompt, can you grade it again?",
	})

	require.Nil(t, res.TerminalError)
	assert.Equal(t, []string{
		StepRoute, StepAnalyze, StepScore, StepImprove, StepMetaEvaluate, StepBuildReport,
		StepHandleFollowup,
		StepRoute, StepAnalyze, StepScore, StepImprove, StepMetaEvaluate, StepBuildReport,
	}, res.StepHistory)
	assert.Equal(t, 2, fake.CallCount("T.C.R.E.I."))
	require.NotNil(t, res.Followup)
	assert.Equal(t, IntentReEvaluate, res.Followup.Intent)
	assert.Equal(t, updated, res.EvaluatedText(emailPrompt))
}

func TestRunEvaluation_FollowupAdjustsRewrite(t *testing.T) {
	fake := scripted().On("follow-up message", generationtest.JSON(map[string]string{
		"intent":      IntentAdjustRewrite,
		"response":    "Shortened.",
		"new_rewrite": "Announce the analytics dashboard in under 80 words.",
	}))
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{
		Phase:    pipeline.PhaseStructure,
		Followup: "Make the rewrite shorter.",
	})

	require.Nil(t, res.TerminalError)
	assert.Equal(t, StepHandleFollowup, res.StepHistory[len(res.StepHistory)-1])
	assert.Equal(t, "Announce the analytics dashboard in under 80 words.", res.Rewritten)
	assert.Equal(t, emailPrompt, res.EvaluatedText(emailPrompt))
}

func TestRunEvaluation_FollowupFailureFallsBackToExplain(t *testing.T) {
	fake := scripted().On("follow-up message", generationtest.Fail(errors.New("503 service unavailable")))
	svc := newTestService(t, fake)

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{
		Phase:    pipeline.PhaseStructure,
		Followup: "Why is references so low?",
	})

	require.Nil(t, res.TerminalError)
	require.NotNil(t, res.Followup)
	assert.Equal(t, IntentExplain, res.Followup.Intent)
	assert.Equal(t, followupFallback, res.Followup.Response)
}

type stubStore struct {
	matches []history.Match
}

func (s *stubStore) Similar(context.Context, string, int, float64) ([]history.Match, error) {
	return s.matches, nil
}
func (s *stubStore) Record(context.Context, history.Record) error { return nil }
func (s *stubStore) Close() error                                 { return nil }

func TestRunEvaluation_HistoryEnrichesAnalysis(t *testing.T) {
	store := &stubStore{matches: []history.Match{{
		Record:     history.Record{ID: "r1", Grade: "Weak", OverallScore: 31, Summary: "No audience or length given."},
		Similarity: 0.91,
	}}}
	fake := scripted()
	svc := newTestService(t, fake, WithHistory(history.DefaultLookup(store)))

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseStructure})

	require.Nil(t, res.TerminalError)
	require.Len(t, res.Similar, 1)
	for _, c := range fake.Calls() {
		if strings.Contains(c.Options.System, "T.C.R.E.I.") {
			assert.Contains(t, c.Options.System, "Similar past evaluations:")
			assert.Contains(t, c.Options.System, "No audience or length given.")
		}
	}
}

func TestRunEvaluation_ReportsProgress(t *testing.T) {
	svc := newTestService(t, scripted())
	var steps []string
	svc.OnProgress(func(p pipeline.Progress) { steps = append(steps, p.Step) })

	res := svc.RunEvaluation(context.Background(), emailPrompt, Options{Phase: pipeline.PhaseStructure})

	assert.Equal(t, res.StepHistory, steps)
}

func TestNewService_RejectsInvalidWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[string]float64{"structural": 0.5, "output": 0.2}

	_, err := NewService(scripted(), cfg, nil)
	require.Error(t, err)

	_, err = NewService(nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func titles(res *Result) []string {
	out := make([]string, 0, len(res.Improvements))
	for _, imp := range res.Improvements {
		out = append(out, imp.Title)
	}
	return out
}
