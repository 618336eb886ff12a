// Package branching explores several independent improvement strategies
// for a text and selects one of them.
package branching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

var (
	// ErrNoBranches is returned when every branch call failed.
	ErrNoBranches = errors.New("branching: no branch survived generation")

	// ErrUnknownPolicy is returned for an unrecognised fallback policy.
	ErrUnknownPolicy = errors.New("branching: unknown fallback policy")
)

// FallbackPolicy picks a branch when the comparison call gives no usable index.
type FallbackPolicy string

const (
	// ArgmaxConfidence picks the most confident branch, lowest index on ties.
	ArgmaxConfidence FallbackPolicy = "argmax-confidence"
	// First picks the first surviving branch.
	First FallbackPolicy = "first"
)

// ParseFallbackPolicy validates s. The empty string means ArgmaxConfidence.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case "", ArgmaxConfidence:
		return ArgmaxConfidence, nil
	case First:
		return First, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Approaches are the strategy hints handed to branches in order.
var Approaches = []string{
	"Structural overhaul: reorganise the text into clear sections with a logical flow.",
	"Persona and context enrichment: add the role, audience and domain framing it lacks.",
	"Constraint and format engineering: add precise boundaries, output format and guardrails.",
	"Example-driven enhancement: add concrete examples, templates and reference patterns.",
	"Task decomposition: break the request into clear sequential steps.",
	"Evaluation criteria injection: add criteria the model should check its answer against.",
}

// Improvement is one prioritised suggestion.
type Improvement struct {
	Priority   string `json:"priority"`
	Title      string `json:"title"`
	Suggestion string `json:"suggestion"`
}

// Branch is one explored strategy.
type Branch struct {
	Index        int           `json:"index"`
	Approach     string        `json:"approach"`
	Confidence   float64       `json:"confidence"`
	Artifact     string        `json:"artifact"`
	Improvements []Improvement `json:"improvements"`
}

// Request describes one exploration.
type Request struct {
	// Context is the full brief every branch works from.
	Context string
	// System is the shared system prompt.
	System string
	// M is the number of branches; zero uses the configured count.
	M int
	// Synthesize asks for the strongest elements of all branches to be merged.
	Synthesize bool
}

// Selection is the outcome of an exploration. All surviving branches are kept
// for audit.
type Selection struct {
	Branches      []Branch      `json:"branches"`
	Failed        []int         `json:"failed_branches,omitempty"`
	SelectedIndex int           `json:"selected_branch_index"`
	Artifact      string        `json:"artifact"`
	Improvements  []Improvement `json:"improvements"`
	Confidence    float64       `json:"confidence"`
	Rationale     string        `json:"rationale"`
	Synthesized   bool          `json:"synthesized"`
	// Fallback names the policy that chose the branch, empty when the
	// comparison call did.
	Fallback FallbackPolicy `json:"fallback,omitempty"`
}

// Selected returns the chosen branch.
func (s *Selection) Selected() Branch {
	for _, b := range s.Branches {
		if b.Index == s.SelectedIndex {
			return b
		}
	}
	return Branch{}
}

// Config controls branch count, fallback and timing.
type Config struct {
	Branches    int
	Fallback    FallbackPolicy
	CallTimeout time.Duration
	Temperature float64
}

// DefaultConfig returns three branches with argmax-confidence fallback.
func DefaultConfig() Config {
	return Config{Branches: 3, Fallback: ArgmaxConfidence, CallTimeout: 120 * time.Second, Temperature: 0.7}
}

// Explorer generates and selects branches.
type Explorer struct {
	client generation.Client
	cfg    Config
	logger *logging.Logger
}

// New creates an Explorer.
func New(client generation.Client, cfg Config, logger *logging.Logger) (*Explorer, error) {
	policy, err := ParseFallbackPolicy(string(cfg.Fallback))
	if err != nil {
		return nil, err
	}
	cfg.Fallback = policy
	if cfg.Branches <= 0 {
		cfg.Branches = DefaultConfig().Branches
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Explorer{client: client, cfg: cfg, logger: logger}, nil
}

var branchSchema = &generation.Schema{
	Name: "branch",
	Fields: map[string]string{
		"approach":         "one or two sentences describing the strategy",
		"improvements":     `array of {"priority": "CRITICAL|HIGH|MEDIUM", "title": string, "suggestion": string}`,
		"rewritten_prompt": "the complete rewritten text implementing the strategy",
		"confidence":       "number 0.0-1.0, how much this strategy improves the text",
	},
}

var selectionSchema = &generation.Schema{
	Name: "selection",
	Fields: map[string]string{
		"selected_branch_index": "integer index of the best branch, or null",
		"synthesized_prompt":    "the final text combining the strongest elements, or empty",
		"rationale":             "why this branch or synthesis was chosen",
	},
}

type branchPayload struct {
	Approach        string        `json:"approach"`
	Improvements    []Improvement `json:"improvements"`
	RewrittenPrompt string        `json:"rewritten_prompt"`
	Confidence      *float64      `json:"confidence"`
}

// Explore runs M branch calls concurrently, drops failures and selects one
// of the survivors.
func (e *Explorer) Explore(ctx context.Context, req Request) (*Selection, error) {
	m := req.M
	if m <= 0 {
		m = e.cfg.Branches
	}

	branches := make([]*Branch, m)
	errs := make([]error, m)
	var g errgroup.Group
	for i := 0; i < m; i++ {
		i := i
		g.Go(func() error {
			b, err := e.generateBranch(ctx, req, i)
			if err != nil {
				errs[i] = err
				return nil
			}
			branches[i] = b
			return nil
		})
	}
	_ = g.Wait()

	sel := &Selection{}
	var firstErr error
	for i, b := range branches {
		if b == nil {
			sel.Failed = append(sel.Failed, i)
			branchOutcomes.WithLabelValues("failed").Inc()
			e.logger.Warn(ctx, "branch generation failed", zap.Int("branch", i), zap.Error(errs[i]))
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		branchOutcomes.WithLabelValues("ok").Inc()
		sel.Branches = append(sel.Branches, *b)
	}
	if len(sel.Branches) == 0 {
		if fault.KindOf(firstErr) == fault.Cancelled {
			return nil, fault.Classify(firstErr).WithOp("branching")
		}
		return nil, fmt.Errorf("%w: %d of %d failed: %w", ErrNoBranches, m, m, firstErr)
	}

	e.selectBranch(ctx, req, sel)
	return sel, nil
}

func (e *Explorer) generateBranch(ctx context.Context, req Request, index int) (*Branch, error) {
	hint := Approaches[index%len(Approaches)]
	prompt := fmt.Sprintf("%s\n\nStrategy for this branch (branch %d): %s\nProduce improvements and a complete rewrite that follow this strategy only.",
		req.Context, index, hint)
	out, err := generation.GenerateWithin(ctx, e.client, e.cfg.CallTimeout, prompt, generation.Options{
		Temperature: e.cfg.Temperature,
		System:      req.System,
		Schema:      branchSchema,
	})
	if err != nil {
		return nil, fault.Classify(err).WithOp("branch")
	}

	var p branchPayload
	if err := generation.DecodeStructured(out.Text, &p); err != nil {
		return nil, err
	}
	b := &Branch{
		Index:        index,
		Approach:     p.Approach,
		Confidence:   0.5,
		Artifact:     strings.TrimSpace(p.RewrittenPrompt),
		Improvements: p.Improvements,
	}
	if p.Confidence != nil {
		b.Confidence = clamp01(*p.Confidence)
	}
	if b.Approach == "" {
		b.Approach = hint
	}
	return b, nil
}

// selectBranch fills in the chosen branch, falling back to the configured
// policy when the comparison call fails or returns an unusable index.
func (e *Explorer) selectBranch(ctx context.Context, req Request, sel *Selection) {
	choice, synthesized, rationale, ok := e.compare(ctx, req, sel.Branches)

	pos := -1
	if ok && choice >= 0 && choice < len(sel.Branches) {
		pos = choice
		sel.Rationale = rationale
	}
	if pos < 0 {
		pos = pickFallback(sel.Branches, e.cfg.Fallback)
		sel.Fallback = e.cfg.Fallback
		sel.Rationale = fallbackRationale(e.cfg.Fallback)
		selectionFallbacks.WithLabelValues(string(e.cfg.Fallback)).Inc()
		e.logger.Info(ctx, "branch selection fell back",
			zap.String("policy", string(e.cfg.Fallback)),
			zap.Int("branch", sel.Branches[pos].Index))
	}

	chosen := sel.Branches[pos]
	sel.SelectedIndex = chosen.Index
	sel.Confidence = chosen.Confidence
	sel.Artifact = chosen.Artifact
	sel.Improvements = chosen.Improvements

	if req.Synthesize {
		artifact, extra := synthesize(chosen, sel.Branches, synthesized)
		sel.Artifact = artifact
		sel.Improvements = append(append([]Improvement(nil), chosen.Improvements...), extra...)
		sel.Synthesized = artifact != chosen.Artifact
	}
}

// compare asks the model to choose among the branches. ok is false when the
// call fails or yields no JSON; choice is -1 when the index is null or missing.
func (e *Explorer) compare(ctx context.Context, req Request, branches []Branch) (choice int, synthesized, rationale string, ok bool) {
	var b strings.Builder
	b.WriteString(req.Context)
	b.WriteString("\n\n## Candidate branches\n")
	for i, br := range branches {
		fmt.Fprintf(&b, "\n### Branch index %d (confidence %.2f)\nApproach: %s\nImprovements:\n", i, br.Confidence, br.Approach)
		for _, imp := range br.Improvements {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", imp.Priority, imp.Title, imp.Suggestion)
		}
		fmt.Fprintf(&b, "Rewrite:\n```\n%s\n```\n", br.Artifact)
	}
	b.WriteString("\nSelect the best branch by index")
	if req.Synthesize {
		b.WriteString(" and synthesize the strongest elements of all branches without dropping anything from the selected one")
	}
	b.WriteString(".")

	out, err := generation.GenerateWithin(ctx, e.client, e.cfg.CallTimeout, b.String(), generation.Options{System: req.System, Schema: selectionSchema})
	if err != nil {
		e.logger.Warn(ctx, "branch comparison failed", zap.Error(err))
		return -1, "", "", false
	}
	if _, found := generation.ExtractJSON(out.Text); !found {
		e.logger.Warn(ctx, "branch comparison returned no JSON")
		return -1, "", "", false
	}

	idx := generation.Field(out.Text, "selected_branch_index")
	choice = -1
	if idx.Type == gjson.Number && idx.Num == float64(int(idx.Num)) {
		choice = int(idx.Num)
	}
	return choice,
		strings.TrimSpace(generation.Field(out.Text, "synthesized_prompt").String()),
		generation.Field(out.Text, "rationale").String(),
		true
}

// pickFallback returns the position chosen by policy.
func pickFallback(branches []Branch, policy FallbackPolicy) int {
	if policy == First {
		return 0
	}
	best := 0
	for i := 1; i < len(branches); i++ {
		if branches[i].Confidence > branches[best].Confidence {
			best = i
		}
	}
	return best
}

func fallbackRationale(policy FallbackPolicy) string {
	if policy == First {
		return "Automatic: first branch selected"
	}
	return "Automatic: highest confidence branch selected"
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
