package branching

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation/generationtest"
)

const compareMarker = "## Candidate branches"

func branchJSON(approach, artifact string, confidence any, titles ...string) generationtest.Response {
	imps := make([]map[string]string, len(titles))
	for i, t := range titles {
		imps[i] = map[string]string{"priority": "HIGH", "title": t, "suggestion": "do " + t}
	}
	payload := map[string]any{
		"approach":         approach,
		"improvements":     imps,
		"rewritten_prompt": artifact,
	}
	if confidence != nil {
		payload["confidence"] = confidence
	}
	return generationtest.JSON(payload)
}

func threeBranches(compare generationtest.Response) *generationtest.Fake {
	return generationtest.New("fake").
		On(compareMarker, compare).
		On("(branch 0)", branchJSON("structure", "Rewrite A", 0.4, "Add sections")).
		On("(branch 1)", branchJSON("persona", "Rewrite B", 0.9, "Add persona")).
		On("(branch 2)", branchJSON("format", "Rewrite C", 0.6, "Add format"))
}

func newExplorer(t *testing.T, client *generationtest.Fake, policy FallbackPolicy) *Explorer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Fallback = policy
	e, err := New(client, cfg, nil)
	require.NoError(t, err)
	return e
}

func TestExplore_NullIndexFallsBackToHighestConfidence(t *testing.T) {
	fake := threeBranches(generationtest.JSON(map[string]any{"selected_branch_index": nil, "rationale": "unsure"}))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "Improve this."})

	require.NoError(t, err)
	require.Len(t, sel.Branches, 3)
	assert.Equal(t, 1, sel.SelectedIndex)
	assert.Equal(t, "Rewrite B", sel.Artifact)
	assert.Equal(t, 0.9, sel.Confidence)
	assert.Equal(t, ArgmaxConfidence, sel.Fallback)
	assert.Equal(t, "Automatic: highest confidence branch selected", sel.Rationale)
	assert.False(t, sel.Synthesized)
}

func TestExplore_FailedComparisonFallsBack(t *testing.T) {
	fake := threeBranches(generationtest.Fail(errors.New("server error (500)")))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "Improve this."})

	require.NoError(t, err)
	assert.Equal(t, 1, sel.SelectedIndex)
	assert.Equal(t, "persona", sel.Selected().Approach)
}

func TestExplore_OutOfRangeIndexUsesFirstPolicy(t *testing.T) {
	fake := threeBranches(generationtest.JSON(map[string]any{"selected_branch_index": 7}))

	sel, err := newExplorer(t, fake, First).Explore(context.Background(), Request{Context: "Improve this."})

	require.NoError(t, err)
	assert.Equal(t, 0, sel.SelectedIndex)
	assert.Equal(t, First, sel.Fallback)
	assert.Equal(t, "Automatic: first branch selected", sel.Rationale)
}

func TestExplore_ModelSelection(t *testing.T) {
	fake := threeBranches(generationtest.JSON(map[string]any{
		"selected_branch_index": 2,
		"synthesized_prompt":    "ignored without synthesis",
		"rationale":             "format matters most",
	}))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "Improve this."})

	require.NoError(t, err)
	assert.Equal(t, 2, sel.SelectedIndex)
	assert.Equal(t, "Rewrite C", sel.Artifact)
	assert.Empty(t, sel.Fallback)
	assert.Equal(t, "format matters most", sel.Rationale)
}

func TestExplore_ConfidenceDefaultsAndClamps(t *testing.T) {
	fake := generationtest.New("fake").
		On(compareMarker, generationtest.JSON(map[string]any{"selected_branch_index": 0})).
		On("(branch 0)", branchJSON("a", "A", nil)).
		On("(branch 1)", branchJSON("b", "B", 1.7))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "x", M: 2})

	require.NoError(t, err)
	require.Len(t, sel.Branches, 2)
	assert.Equal(t, 0.5, sel.Branches[0].Confidence)
	assert.Equal(t, 1.0, sel.Branches[1].Confidence)
}

func TestExplore_DropsFailedBranches(t *testing.T) {
	fake := generationtest.New("fake").
		On(compareMarker, generationtest.JSON(map[string]any{"selected_branch_index": 1})).
		On("(branch 0)", branchJSON("a", "A", 0.3)).
		On("(branch 1)", generationtest.Text("not json at all")).
		On("(branch 2)", branchJSON("c", "C", 0.8))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "x"})

	require.NoError(t, err)
	assert.Equal(t, []int{1}, sel.Failed)
	require.Len(t, sel.Branches, 2)
	// Index 1 among the survivors is branch 2.
	assert.Equal(t, 2, sel.SelectedIndex)
	assert.Equal(t, "C", sel.Artifact)
}

func TestExplore_StalledCallsTimeOut(t *testing.T) {
	stall := generationtest.Response{Text: "{}", Delay: 2 * time.Second, IgnoreContext: true}
	fake := generationtest.New("fake").
		On(compareMarker, stall).
		On("(branch 0)", branchJSON("a", "A", 0.3)).
		On("(branch 1)", stall).
		On("(branch 2)", branchJSON("c", "C", 0.8))

	cfg := DefaultConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	e, err := New(fake, cfg, nil)
	require.NoError(t, err)

	start := time.Now()
	sel, err := e.Explore(context.Background(), Request{Context: "x"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []int{1}, sel.Failed)
	require.Len(t, sel.Branches, 2)
	assert.Equal(t, "C", sel.Artifact)
	assert.Equal(t, ArgmaxConfidence, sel.Fallback)
}

func TestExplore_NoSurvivors(t *testing.T) {
	fake := generationtest.New("fake").Default(generationtest.Fail(errors.New("server error (503)")))

	_, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "x"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBranches)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestExplore_SynthesisRejectsLossyCandidate(t *testing.T) {
	fake := threeBranches(generationtest.JSON(map[string]any{
		"selected_branch_index": 1,
		"synthesized_prompt":    "Something entirely different",
	}))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "x", Synthesize: true})

	require.NoError(t, err)
	assert.True(t, sel.Synthesized)
	assert.True(t, strings.HasPrefix(sel.Artifact, "Rewrite B\n\n## Additional requirements"))
	assert.Contains(t, sel.Artifact, "Add sections: do Add sections")
	assert.Contains(t, sel.Artifact, "Add format: do Add format")
	require.Len(t, sel.Improvements, 3)
	assert.Equal(t, "Add persona", sel.Improvements[0].Title)
}

func TestExplore_SynthesisAcceptsAdditiveCandidate(t *testing.T) {
	fake := threeBranches(generationtest.JSON(map[string]any{
		"selected_branch_index": 1,
		"synthesized_prompt":    "Preface.\n\nRewrite   B\n\nWith sections and format.",
	}))

	sel, err := newExplorer(t, fake, ArgmaxConfidence).Explore(context.Background(), Request{Context: "x", Synthesize: true})

	require.NoError(t, err)
	assert.True(t, sel.Synthesized)
	assert.Equal(t, "Preface.\n\nRewrite   B\n\nWith sections and format.", sel.Artifact)
}

func TestParseFallbackPolicy(t *testing.T) {
	p, err := ParseFallbackPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ArgmaxConfidence, p)

	p, err = ParseFallbackPolicy("first")
	require.NoError(t, err)
	assert.Equal(t, First, p)

	_, err = ParseFallbackPolicy("random")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestPickFallback_TiesGoToLowestIndex(t *testing.T) {
	branches := []Branch{{Confidence: 0.7}, {Confidence: 0.9}, {Confidence: 0.9}}
	assert.Equal(t, 1, pickFallback(branches, ArgmaxConfidence))
	assert.Equal(t, 0, pickFallback(branches, First))
}

func TestExcerpt(t *testing.T) {
	head := strings.Repeat("a", 4000)
	tail := strings.Repeat("z", 4000)
	text := head + strings.Repeat("q", 2000) + tail

	got := Excerpt(text, 8000, 4000)
	assert.True(t, strings.HasPrefix(got, head+"\n\n[... 2000 characters omitted ...]"))
	assert.True(t, strings.HasSuffix(got, tail))
	assert.NotContains(t, got, "q")

	assert.Equal(t, "short", Excerpt("short", 8000, 4000))
}
