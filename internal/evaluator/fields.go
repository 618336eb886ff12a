package evaluator

import (
	"github.com/fyrsmithlabs/promptgrade/internal/branching"
	"github.com/fyrsmithlabs/promptgrade/internal/composite"
	"github.com/fyrsmithlabs/promptgrade/internal/fanout"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

// Step names.
const (
	StepRoute             = "route"
	StepAnalyze           = "analyze"
	StepScore             = "score"
	StepFanoutOriginal    = "fanoutOriginal"
	StepEvaluateOriginal  = "evaluateOriginal"
	StepImprove           = "improve"
	StepFanoutOptimized   = "fanoutOptimized"
	StepEvaluateOptimized = "evaluateOptimized"
	StepMetaEvaluate      = "metaEvaluate"
	StepBuildReport       = "buildReport"
	StepHandleFollowup    = "handleFollowup"
)

// State fields.
const (
	FieldRequest       pipeline.Field = "request"
	FieldRouting       pipeline.Field = "routing"
	FieldAnalysis      pipeline.Field = "analysis"
	FieldScore         pipeline.Field = "score"
	FieldOriginalRuns  pipeline.Field = "original_runs"
	FieldOriginalEval  pipeline.Field = "original_evaluation"
	FieldImprovement   pipeline.Field = "improvement"
	FieldOptimizedRuns pipeline.Field = "optimized_runs"
	FieldOptimizedEval pipeline.Field = "optimized_evaluation"
	FieldMeta          pipeline.Field = "meta"
	FieldReport        pipeline.Field = "report"
	FieldFollowup      pipeline.Field = "followup"
)

// schema is every field the graph may touch.
var schema = []pipeline.Field{
	FieldRequest, FieldRouting, FieldAnalysis, FieldScore,
	FieldOriginalRuns, FieldOriginalEval, FieldImprovement,
	FieldOptimizedRuns, FieldOptimizedEval, FieldMeta, FieldReport, FieldFollowup,
}

// perPass are the fields a re-evaluation starts without.
var perPass = []pipeline.Field{
	FieldAnalysis, FieldScore, FieldOriginalRuns, FieldOriginalEval, FieldImprovement,
	FieldOptimizedRuns, FieldOptimizedEval, FieldMeta, FieldReport,
}

// Mode says whether the input is a user prompt or a system prompt.
type Mode string

const (
	ModeAuto         Mode = ""
	ModePrompt       Mode = "prompt"
	ModeSystemPrompt Mode = "system_prompt"
)

// ParseMode validates s. The empty string means auto-detect.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeAuto, ModePrompt, ModeSystemPrompt:
		return Mode(s), true
	}
	return "", false
}

// Request is the run configuration seeded into the state by the host.
type Request struct {
	ExecutionCount       int
	ChunkThresholdTokens int
	Mode                 Mode
	TaskType             string
	Followup             string
	Synthesize           bool
}

// Routing is the outcome of the route step.
type Routing struct {
	Mode     Mode   `json:"mode"`
	TaskType string `json:"task_type"`
	// Text is the text under evaluation for this pass.
	Text string `json:"-"`
	// Pass counts evaluation passes, starting at 1.
	Pass int `json:"pass"`
}

// Analysis is the structural analysis of the input.
type Analysis struct {
	// Dimensions holds 0-100 scores per structural dimension.
	Dimensions map[string]float64 `json:"dimensions"`
	// Flags are the T.C.R.E.I. flags: task, context, references, evaluate, iterate.
	Flags       map[string]bool   `json:"flags"`
	Notes       map[string]string `json:"notes,omitempty"`
	ChunkCount  int               `json:"chunk_count"`
	FailedChunk []int             `json:"failed_chunks,omitempty"`
	Similar     []history.Match   `json:"similar,omitempty"`
	// Placeholder is set when the model output could not be parsed and
	// neutral values were substituted.
	Placeholder bool `json:"placeholder,omitempty"`
}

// StructuralScore is the weighted structural verdict.
type StructuralScore struct {
	Overall int    `json:"overall"`
	Grade   string `json:"grade"`
}

// OutputRuns are the summarised executions of a prompt.
type OutputRuns struct {
	Prompt string `json:"-"`
	fanout.Summary
}

// OutputEvaluation is an LLM-as-judge verdict on generated output.
type OutputEvaluation struct {
	// Dimensions holds 0-1 scores per output dimension.
	Dimensions map[string]float64 `json:"dimensions"`
	Comments   map[string]string  `json:"comments,omitempty"`
	// Overall is on the 0-100 scale.
	Overall  float64  `json:"overall"`
	Grade    string   `json:"grade"`
	Findings []string `json:"findings,omitempty"`
}

// Improvement is the outcome of branch exploration.
type Improvement struct {
	Selection    *branching.Selection    `json:"selection"`
	Improvements []branching.Improvement `json:"improvements"`
	Rewritten    string                  `json:"rewritten"`
}

// MetaAssessment is the self-assessment of an evaluation.
type MetaAssessment struct {
	Accuracy          float64 `json:"accuracy"`
	Completeness      float64 `json:"completeness"`
	Actionability     float64 `json:"actionability"`
	Faithfulness      float64 `json:"faithfulness"`
	OverallConfidence float64 `json:"overall_confidence"`
}

// Meta is the outcome of meta-evaluation.
type Meta struct {
	Assessment MetaAssessment `json:"assessment"`
	Findings   []string       `json:"findings,omitempty"`
	// Improvements are the merged list including [Meta] refinements.
	Improvements []branching.Improvement `json:"improvements"`
	Rewritten    string                  `json:"rewritten"`
}

// Report is the final verdict of one pass.
type Report struct {
	Composite    *composite.Score        `json:"composite"`
	Improvements []branching.Improvement `json:"improvements"`
	Rewritten    string                  `json:"rewritten"`
	Summary      string                  `json:"summary"`
}

// Follow-up intents.
const (
	IntentExplain       = "explain"
	IntentAdjustRewrite = "adjust_rewrite"
	IntentReEvaluate    = "re_evaluate"
	IntentModeSwitch    = "mode_switch"
)

// Followup is the handled follow-up message.
type Followup struct {
	Intent     string `json:"intent"`
	Response   string `json:"response"`
	NewInput   string `json:"new_input,omitempty"`
	NewRewrite string `json:"new_rewrite,omitempty"`
	NewMode    Mode   `json:"new_mode,omitempty"`
}
