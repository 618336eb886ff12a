package chunking

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
)

// para returns a single paragraph of roughly n characters.
func para(n int) string {
	return strings.TrimSpace(strings.Repeat("lorem ", n/6+1))[:n]
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func joined(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n\n")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
	assert.Equal(t, 2000, EstimateTokens(strings.Repeat("x", 8000)))
}

func TestSplit_AtStructuralBoundaries(t *testing.T) {
	text := "Intro line.\n\n## Task\n" + para(2000) +
		"\n\n## Context\n" + para(2000) +
		"\n\n<constraint>\n" + para(2000) + "\n</constraint>"

	chunks := New(DefaultConfig(), nil).Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, "## Task", chunks[0].Section)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "Intro line."), "preamble merges into the first section")
	assert.Equal(t, "## Context", chunks[1].Section)
	assert.Equal(t, "<constraint>", chunks[2].Section)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
	assert.Equal(t, squash(text), squash(joined(chunks)))
}

func TestSplit_ParagraphFallbackPacksToCeiling(t *testing.T) {
	paras := make([]string, 10)
	for i := range paras {
		paras[i] = para(2000)
	}
	text := strings.Join(paras, "\n\n")

	chunks := New(DefaultConfig(), nil).Split(text)

	require.Len(t, chunks, 5)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.EstimatedTokens, 1500)
		assert.Empty(t, c.Section)
	}
	assert.Equal(t, squash(text), squash(joined(chunks)))
}

func TestSplit_SingleBoundaryUsesParagraphs(t *testing.T) {
	text := "# Title\n\n" + para(4000) + "\n\n" + para(4000) + "\n\n" + para(4000)

	chunks := New(DefaultConfig(), nil).Split(text)

	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "# Title\n\n"))
	assert.Equal(t, squash(text), squash(joined(chunks)))
	for _, c := range chunks {
		assert.LessOrEqual(t, c.EstimatedTokens, 1500)
	}
}

func TestSplit_OversizedParagraphEmittedWhole(t *testing.T) {
	huge := para(8000)
	text := para(400) + "\n\n" + huge + "\n\n" + para(400)

	chunks := New(DefaultConfig(), nil).Split(text)

	var found bool
	for _, c := range chunks {
		if c.EstimatedTokens > 1500 {
			assert.Equal(t, huge, c.Text)
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, squash(text), squash(joined(chunks)))
}

func TestSplit_OversizedSectionSubdivided(t *testing.T) {
	text := "## Task\n" + para(200) +
		"\n\n## Examples\n" + para(3000) + "\n\n" + para(3000) + "\n\n" + para(3000)

	chunks := New(DefaultConfig(), nil).Split(text)

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.EstimatedTokens, 1500)
	}
	assert.Equal(t, squash(text), squash(joined(chunks)))
}

func TestMerge_TokenWeightedMean(t *testing.T) {
	chunks := []Chunk{{EstimatedTokens: 100}, {EstimatedTokens: 300}}
	results := []Assessment{
		{Scores: map[string]float64{"clarity": 0.2}},
		{Scores: map[string]float64{"clarity": 0.8}},
	}

	agg := merge(chunks, results, []error{nil, nil})

	assert.InDelta(t, 0.65, agg.Scores["clarity"], 1e-9)
	assert.Equal(t, 2, agg.ChunkCount)
}

func TestMerge_ExcludesFailedChunks(t *testing.T) {
	chunks := []Chunk{{EstimatedTokens: 100}, {EstimatedTokens: 300}}
	results := []Assessment{{}, {Scores: map[string]float64{"clarity": 0.8}}}

	agg := merge(chunks, results, []error{errors.New("boom"), nil})

	assert.InDelta(t, 0.8, agg.Scores["clarity"], 1e-9)
	assert.Equal(t, []int{0}, agg.Failed)
}

func sectionedText(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("## Section\n")
		b.WriteString(para(1200))
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestEvaluate_FlagsAreOrMerged(t *testing.T) {
	agg := New(Config{ThresholdTokens: 100}, nil)

	result, err := agg.Evaluate(context.Background(), sectionedText(4), func(_ context.Context, c Chunk) (Assessment, error) {
		return Assessment{
			Scores: map[string]float64{"task": 50},
			Flags:  map[string]bool{"context": c.Index == 2, "task": true},
		}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, result.ChunkCount)
	assert.True(t, result.Flags["context"])
	assert.True(t, result.Flags["task"])
	assert.InDelta(t, 50, result.Scores["task"], 1e-9)
}

func TestEvaluate_BelowThresholdPassesWholeText(t *testing.T) {
	var calls atomic.Int32
	result, err := New(DefaultConfig(), nil).Evaluate(context.Background(), "short prompt", func(_ context.Context, c Chunk) (Assessment, error) {
		calls.Add(1)
		assert.Equal(t, "short prompt", c.Text)
		return Assessment{Scores: map[string]float64{"task": 70}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, result.ChunkCount)
	assert.Equal(t, 70.0, result.Scores["task"])
}

func TestEvaluate_ThresholdOverride(t *testing.T) {
	base := New(DefaultConfig(), nil)
	lowered := base.WithThreshold(100)

	assert.Equal(t, 2000, base.Config().ThresholdTokens)
	assert.Equal(t, 100, lowered.Config().ThresholdTokens)
	assert.Same(t, base, base.WithThreshold(0))
}

func TestEvaluate_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	agg := New(Config{ThresholdTokens: 100}, nil)

	result, err := agg.Evaluate(context.Background(), sectionedText(12), func(_ context.Context, _ Chunk) (Assessment, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return Assessment{Scores: map[string]float64{"task": 1}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 12, result.ChunkCount)
	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestEvaluate_PartialAndTotalFailure(t *testing.T) {
	agg := New(Config{ThresholdTokens: 100}, nil)
	text := sectionedText(3)

	result, err := agg.Evaluate(context.Background(), text, func(_ context.Context, c Chunk) (Assessment, error) {
		if c.Index == 0 {
			return Assessment{}, errors.New("server error (500)")
		}
		return Assessment{Scores: map[string]float64{"task": 80}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, result.Failed)
	assert.InDelta(t, 80, result.Scores["task"], 1e-9)

	_, err = agg.Evaluate(context.Background(), text, func(context.Context, Chunk) (Assessment, error) {
		return Assessment{}, errors.New("rate limited (429)")
	})
	require.Error(t, err)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}
