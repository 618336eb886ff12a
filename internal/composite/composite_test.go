package composite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestCombine_ClampsDeficitAndDefaultsMissing(t *testing.T) {
	components := map[string]float64{Structural: 0.8, Output: -0.1, ToT: 0.7}

	s, err := Combine(components, DefaultWeights())

	require.NoError(t, err)
	// 0.25*0.8 + 0.35*0 + 0.20*0.5 + 0.20*0.7 = 0.44
	assert.Equal(t, 44, s.Value)
	assert.Equal(t, 0.0, s.Components[Output])
	assert.Equal(t, Neutral, s.Components[Meta])
	assert.Equal(t, []string{Meta}, s.Defaulted)
	assert.InDelta(t, 0.2, s.Contributions[Structural], 1e-9)
	assert.InDelta(t, 0.1, s.Contributions[Meta], 1e-9)
}

func TestCombine_WeightedSumRounds(t *testing.T) {
	components := map[string]float64{Structural: 0.34, Output: -0.1, Meta: 0.5, ToT: 0.2}
	weights := map[string]float64{Structural: 0.5, Output: 0.1, Meta: 0.2, ToT: 0.2}

	s, err := Combine(components, weights)

	require.NoError(t, err)
	// 0.17 + 0 + 0.10 + 0.04 = 0.31
	assert.Equal(t, 31, s.Value)
}

func TestSignals_FromStageResults(t *testing.T) {
	signals := Signals{
		StructuralScore:  ptr(55),
		OriginalOutput:   ptr(60.0),
		OptimizedOutput:  ptr(77.0),
		MetaConfidence:   ptr(0.87),
		BranchConfidence: ptr(0.82),
	}

	s, err := Combine(signals.Components(), DefaultWeights())

	require.NoError(t, err)
	assert.InDelta(t, 0.45, s.Components[Structural], 1e-9)
	assert.InDelta(t, 0.17, s.Components[Output], 1e-9)
	assert.Equal(t, 51, s.Value)
	assert.Empty(t, s.Defaulted)
}

func TestSignals_OutputNeedsBothScores(t *testing.T) {
	c := Signals{StructuralScore: ptr(100), OriginalOutput: ptr(70.0)}.Components()

	assert.Equal(t, 0.0, c[Structural])
	_, ok := c[Output]
	assert.False(t, ok)
}

func TestCombine_BoundsAndIgnoresUnweighted(t *testing.T) {
	s, err := Combine(map[string]float64{Structural: 3, Output: 2, Meta: 1.5, ToT: 9, "extra": 1}, DefaultWeights())

	require.NoError(t, err)
	assert.Equal(t, 100, s.Value)
	assert.NotContains(t, s.Components, "extra")
	for _, c := range s.Components {
		assert.LessOrEqual(t, c, 1.0)
	}
}

func TestCombine_InvalidWeights(t *testing.T) {
	tests := map[string]map[string]float64{
		"empty":    {},
		"short":    {Structural: 0.5, Output: 0.4},
		"over":     {Structural: 0.6, Output: 0.6},
		"negative": {Structural: 1.2, Output: -0.2},
	}
	for name, weights := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Combine(nil, weights)
			assert.ErrorIs(t, err, ErrInvalidWeights)
		})
	}

	_, err := Combine(nil, map[string]float64{Structural: 0.3333334, Output: 0.3333333, Meta: 0.3333333})
	assert.NoError(t, err)
}

func TestPlaceholder(t *testing.T) {
	s := Placeholder(DefaultWeights())
	assert.True(t, s.Placeholder)
	assert.Equal(t, 50, s.Value)
	assert.Len(t, s.Defaulted, 4)

	s = Placeholder(map[string]float64{Structural: 2})
	assert.True(t, s.Placeholder)
	assert.Equal(t, 50, s.Value)
}
