package http

import (
	"fmt"

	"github.com/fyrsmithlabs/promptgrade/internal/evaluator"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
	"github.com/fyrsmithlabs/promptgrade/internal/secrets"
)

// EvaluateRequest is the request body for POST /api/v1/evaluate.
type EvaluateRequest struct {
	Input                string `json:"input"`
	Phase                string `json:"phase,omitempty"`
	ExecutionCount       int    `json:"execution_count,omitempty"`
	ChunkThresholdTokens int    `json:"chunk_threshold_tokens,omitempty"`
	Mode                 string `json:"mode,omitempty"`
	TaskType             string `json:"task_type,omitempty"`
	Followup             string `json:"followup,omitempty"`
	Synthesize           *bool  `json:"synthesize,omitempty"`
}

func (r EvaluateRequest) options() (evaluator.Options, error) {
	phase, ok := pipeline.ParsePhase(r.Phase)
	if !ok {
		return evaluator.Options{}, fmt.Errorf("unknown phase %q", r.Phase)
	}
	mode, ok := evaluator.ParseMode(r.Mode)
	if !ok {
		return evaluator.Options{}, fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.ExecutionCount < 0 || r.ChunkThresholdTokens < 0 {
		return evaluator.Options{}, fmt.Errorf("counts must not be negative")
	}
	return evaluator.Options{
		Phase:                phase,
		ExecutionCount:       r.ExecutionCount,
		ChunkThresholdTokens: r.ChunkThresholdTokens,
		Mode:                 mode,
		TaskType:             r.TaskType,
		Followup:             r.Followup,
		Synthesize:           r.Synthesize,
	}, nil
}

// RedactRequest is the request body for POST /api/v1/redact.
type RedactRequest struct {
	Content string `json:"content"`
}

// RedactResponse is the response body for POST /api/v1/redact.
type RedactResponse struct {
	Content       string            `json:"content"`
	FindingsCount int               `json:"findings_count"`
	Findings      []secrets.Finding `json:"findings,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
