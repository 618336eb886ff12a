package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/evaluator"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

const toolEvaluateText = "evaluate_text"

type evaluateInput struct {
	Input                string `json:"input" jsonschema:"The prompt or system prompt to evaluate"`
	Phase                string `json:"phase,omitempty" jsonschema:"structure, output or full (default full)"`
	ExecutionCount       int    `json:"execution_count,omitempty" jsonschema:"How often each prompt is executed, 2 to 5"`
	ChunkThresholdTokens int    `json:"chunk_threshold_tokens,omitempty" jsonschema:"Estimated tokens above which the input is analyzed in chunks"`
	Mode                 string `json:"mode,omitempty" jsonschema:"prompt or system_prompt; detected when empty"`
	TaskType             string `json:"task_type,omitempty" jsonschema:"Task category; classified when empty"`
	Followup             string `json:"followup,omitempty" jsonschema:"A follow-up question or request about the evaluation"`
	Synthesize           *bool  `json:"synthesize,omitempty" jsonschema:"Merge the strongest elements of all improvement branches"`
}

func (in evaluateInput) options() (evaluator.Options, error) {
	phase, ok := pipeline.ParsePhase(in.Phase)
	if !ok {
		return evaluator.Options{}, fmt.Errorf("invalid phase %q", in.Phase)
	}
	mode, ok := evaluator.ParseMode(in.Mode)
	if !ok {
		return evaluator.Options{}, fmt.Errorf("invalid mode %q", in.Mode)
	}
	return evaluator.Options{
		Phase:                phase,
		ExecutionCount:       in.ExecutionCount,
		ChunkThresholdTokens: in.ChunkThresholdTokens,
		Mode:                 mode,
		TaskType:             in.TaskType,
		Followup:             in.Followup,
		Synthesize:           in.Synthesize,
	}, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: toolEvaluateText,
		Description: "Grade a prompt or system prompt: structural analysis, output quality from real executions, " +
			"prioritised improvements with a rewritten version, and a composite score.",
	}, s.evaluateText)
}

// evaluateText returns the full result as structured content plus a text
// summary. A run that ended in a terminal error is reported with IsError
// but still carries the placeholder result.
func (s *Server) evaluateText(ctx context.Context, req *mcp.CallToolRequest, args evaluateInput) (*mcp.CallToolResult, any, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, toolEvaluateText)
	defer s.metrics.DecrementActive(ctx, toolEvaluateText)

	if strings.TrimSpace(args.Input) == "" {
		err := fmt.Errorf("invalid arguments: input is required")
		s.metrics.RecordInvocation(ctx, toolEvaluateText, time.Since(start), err)
		return nil, nil, err
	}
	opts, err := args.options()
	if err != nil {
		s.metrics.RecordInvocation(ctx, toolEvaluateText, time.Since(start), err)
		return nil, nil, err
	}

	res := s.evaluator.RunEvaluation(ctx, args.Input, opts)
	if res.Recordable() && s.history != nil {
		if err := s.history.Record(ctx, evaluator.HistoryRecord(args.Input, res)); err != nil {
			s.logger.Warn(ctx, "recording evaluation failed", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}

	var runErr error
	if res.TerminalError != nil {
		runErr = res.TerminalError
	}
	s.metrics.RecordInvocation(ctx, toolEvaluateText, time.Since(start), runErr)

	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		IsError: res.TerminalError != nil,
		Content: []mcp.Content{
			&mcp.TextContent{Text: headline(res)},
			&mcp.TextContent{Text: string(body)},
		},
	}, res, nil
}

// headline is the one-line verdict shown first to the client.
func headline(res *evaluator.Result) string {
	if res.TerminalError != nil {
		return fmt.Sprintf("Evaluation failed in step %s: %s", res.TerminalError.Step, res.TerminalError.UserMessage())
	}
	composite := 0
	if res.Composite != nil {
		composite = res.Composite.Value
	}
	return fmt.Sprintf("Overall %d/100 (%s), composite %d, %d improvements", res.OverallScore, res.Grade, composite, len(res.Improvements))
}
