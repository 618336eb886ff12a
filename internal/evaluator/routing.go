package evaluator

import "github.com/fyrsmithlabs/promptgrade/internal/pipeline"

// steps returns every step of the evaluation graph.
func (s *Service) steps() []pipeline.Step {
	return []pipeline.Step{
		s.routeStep(),
		s.analyzeStep(),
		s.scoreStep(),
		s.fanoutStep(StepFanoutOriginal, FieldOriginalRuns, false),
		s.judgeStep(StepEvaluateOriginal, FieldOriginalRuns, FieldOriginalEval),
		s.improveStep(),
		s.fanoutStep(StepFanoutOptimized, FieldOptimizedRuns, true),
		s.judgeStep(StepEvaluateOptimized, FieldOptimizedRuns, FieldOptimizedEval),
		s.metaStep(),
		s.reportStep(),
		s.followupStep(),
	}
}

// routers maps each step to the router that runs after it. Every router is
// total: it returns a registered step name or pipeline.End.
func routers() map[string]pipeline.Router {
	return map[string]pipeline.Router{
		StepRoute:             afterRoute,
		StepAnalyze:           pipeline.Always(StepScore),
		StepScore:             afterScore,
		StepFanoutOriginal:    pipeline.Always(StepEvaluateOriginal),
		StepEvaluateOriginal:  afterEvaluateOriginal,
		StepImprove:           afterImprove,
		StepFanoutOptimized:   pipeline.Always(StepEvaluateOptimized),
		StepEvaluateOptimized: pipeline.Always(StepMetaEvaluate),
		StepMetaEvaluate:      pipeline.Always(StepBuildReport),
		StepBuildReport:       afterBuildReport,
		StepHandleFollowup:    afterFollowup,
	}
}

// afterRoute skips analysis, scoring and improvement for output-only runs.
func afterRoute(s *pipeline.State) string {
	if s.Phase == pipeline.PhaseOutput {
		return StepFanoutOriginal
	}
	return StepAnalyze
}

func afterScore(s *pipeline.State) string {
	if s.Phase == pipeline.PhaseFull {
		return StepFanoutOriginal
	}
	return StepImprove
}

func afterEvaluateOriginal(s *pipeline.State) string {
	if s.Phase == pipeline.PhaseOutput {
		return StepMetaEvaluate
	}
	return StepImprove
}

// afterImprove runs the optimized output steps only in a full run that
// produced a rewrite.
func afterImprove(s *pipeline.State) string {
	if s.Phase != pipeline.PhaseFull {
		return StepMetaEvaluate
	}
	imp, ok := pipeline.Lookup[*Improvement](s, FieldImprovement)
	if !ok || imp == nil || imp.Rewritten == "" {
		return StepMetaEvaluate
	}
	return StepFanoutOptimized
}

func afterBuildReport(s *pipeline.State) string {
	req, _ := pipeline.Lookup[Request](s, FieldRequest)
	if req.Followup == "" || s.Has(FieldFollowup) {
		return pipeline.End
	}
	return StepHandleFollowup
}

func afterFollowup(s *pipeline.State) string {
	f, ok := pipeline.Lookup[*Followup](s, FieldFollowup)
	if ok && f.Intent == IntentReEvaluate {
		return StepRoute
	}
	return pipeline.End
}

// Grade maps a 0-100 score to its label.
func Grade(score float64) string {
	switch {
	case score >= 85:
		return "Excellent"
	case score >= 65:
		return "Good"
	case score >= 40:
		return "Needs Work"
	}
	return "Weak"
}
