package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/promptgrade/internal/evaluator"
	"github.com/fyrsmithlabs/promptgrade/internal/pipeline"
)

// evaluateFlags holds the evaluate command options.
type evaluateFlags struct {
	phase      string
	runs       int
	threshold  int
	mode       string
	taskType   string
	followup   string
	synthesize bool
	progress   bool
}

var evalFlags evaluateFlags

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file|-]",
	Short: "Evaluate a prompt from a file or stdin",
	Long: `Evaluate a prompt or system prompt and print the result as JSON.

Examples:
  # Full evaluation of a file
  promptgrade evaluate prompt.txt

  # Structural analysis only, from stdin
  cat prompt.txt | promptgrade evaluate --phase structure -

  # Evaluate a system prompt with four executions per prompt
  promptgrade evaluate --mode system_prompt --runs 4 system.txt

  # Ask a follow-up question about the result
  promptgrade evaluate --followup "Why is the context score low?" prompt.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evalFlags.phase, "phase", "full", "pipeline phase: structure, output or full")
	f.IntVar(&evalFlags.runs, "runs", 0, "executions per prompt (default from config)")
	f.IntVar(&evalFlags.threshold, "threshold", 0, "estimated tokens above which input is chunked (default from config)")
	f.StringVar(&evalFlags.mode, "mode", "auto", "input mode: auto, prompt or system_prompt")
	f.StringVar(&evalFlags.taskType, "task-type", "", "task category (classified when empty)")
	f.StringVar(&evalFlags.followup, "followup", "", "follow-up message about the evaluation")
	f.BoolVar(&evalFlags.synthesize, "synthesize", true, "merge the strongest elements of all improvement branches")
	f.BoolVar(&evalFlags.progress, "progress", false, "print step progress to stderr")
}

// options converts flags to evaluator options. Synthesize is only set when
// the flag was given, so the configured default applies otherwise.
func (f evaluateFlags) options(synthesizeSet bool) (evaluator.Options, error) {
	phase, ok := pipeline.ParsePhase(f.phase)
	if !ok {
		return evaluator.Options{}, fmt.Errorf("unknown phase %q", f.phase)
	}
	modeName := f.mode
	if modeName == "auto" {
		modeName = ""
	}
	mode, ok := evaluator.ParseMode(modeName)
	if !ok {
		return evaluator.Options{}, fmt.Errorf("unknown mode %q", f.mode)
	}
	if f.runs < 0 || f.threshold < 0 {
		return evaluator.Options{}, fmt.Errorf("--runs and --threshold must not be negative")
	}
	opts := evaluator.Options{
		Phase:                phase,
		ExecutionCount:       f.runs,
		ChunkThresholdTokens: f.threshold,
		Mode:                 mode,
		TaskType:             f.taskType,
		Followup:             f.followup,
	}
	if synthesizeSet {
		s := f.synthesize
		opts.Synthesize = &s
	}
	return opts, nil
}

// readInput reads the prompt from the named file, or from stdin when the
// name is empty or "-".
func readInput(args []string, stdin io.Reader) (string, error) {
	var content []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", fmt.Errorf("no content to evaluate")
	}
	return text, nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	opts, err := evalFlags.options(cmd.Flags().Changed("synthesize"))
	if err != nil {
		return err
	}
	input, err := readInput(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if evalFlags.progress {
		stderr := cmd.ErrOrStderr()
		a.service.OnProgress(func(p pipeline.Progress) {
			fmt.Fprintf(stderr, "[%d] %s: %s (%s)\n", p.Index+1, p.Step, p.Outcome, p.Duration.Round(1e6))
		})
	}

	res := a.service.RunEvaluation(ctx, input, opts)
	a.record(ctx, input, res)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if res.TerminalError != nil {
		return fmt.Errorf("evaluation failed: %s", res.TerminalError.UserMessage())
	}
	return nil
}
