// Package composite combines independent quality signals into one bounded
// score.
package composite

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Engine names.
const (
	Structural = "structural"
	Output     = "output"
	Meta       = "meta"
	ToT        = "tot"
)

// Neutral is the value used for a component that was not produced.
const Neutral = 0.5

// weightTolerance is how far the weight sum may drift from 1.
const weightTolerance = 1e-6

// ErrInvalidWeights is returned when weights are empty, negative or do not
// sum to 1.
var ErrInvalidWeights = errors.New("composite: invalid weights")

// DefaultWeights returns 0.25 structural, 0.35 output, 0.20 meta, 0.20 tot.
func DefaultWeights() map[string]float64 {
	return map[string]float64{Structural: 0.25, Output: 0.35, Meta: 0.20, ToT: 0.20}
}

// Score is a combined value with its per-engine breakdown.
type Score struct {
	// Components are the clamped inputs, one per weighted engine.
	Components    map[string]float64 `json:"components"`
	Weights       map[string]float64 `json:"weights"`
	Contributions map[string]float64 `json:"contributions"`
	// Defaulted lists engines that had no component and used Neutral.
	Defaulted []string `json:"defaulted,omitempty"`
	Value     int      `json:"value"`
	// Placeholder marks a score produced without any real signal.
	Placeholder bool `json:"placeholder,omitempty"`
}

// ValidateWeights checks that weights are non-negative and sum to 1.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: no engines", ErrInvalidWeights)
	}
	var sum float64
	for name, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("%w: %s has weight %v", ErrInvalidWeights, name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.6f, want 1.0", ErrInvalidWeights, sum)
	}
	return nil
}

// Combine computes round(100·Σ wᵢ·cᵢ) over the engines in weights.
// Missing components count as Neutral, negative ones as 0 and anything above
// 1 as 1. Components for engines without a weight are ignored.
func Combine(components, weights map[string]float64) (*Score, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}

	s := &Score{
		Components:    make(map[string]float64, len(weights)),
		Weights:       make(map[string]float64, len(weights)),
		Contributions: make(map[string]float64, len(weights)),
	}
	var total float64
	for name, w := range weights {
		c, ok := components[name]
		if !ok || math.IsNaN(c) {
			c = Neutral
			s.Defaulted = append(s.Defaulted, name)
		}
		c = clamp(c, 0, 1)
		s.Components[name] = c
		s.Weights[name] = w
		s.Contributions[name] = w * c
		total += w * c
	}
	sort.Strings(s.Defaulted)
	s.Value = int(clamp(math.Round(100*total), 0, 100))
	return s, nil
}

// Placeholder returns the neutral score used when the run failed.
func Placeholder(weights map[string]float64) *Score {
	s, err := Combine(nil, weights)
	if err != nil {
		s, _ = Combine(nil, DefaultWeights())
	}
	s.Placeholder = true
	return s
}

// Signals are the raw measurements each engine is derived from. Nil means
// the stage did not produce a value.
type Signals struct {
	// StructuralScore is the 0-100 structural score of the original text.
	StructuralScore *int
	// OriginalOutput and OptimizedOutput are 0-100 output quality scores.
	OriginalOutput   *float64
	OptimizedOutput  *float64
	MetaConfidence   *float64
	BranchConfidence *float64
}

// Components converts signals into engine components. Structural is the
// improvement headroom (100-score)/100; output is the quality delta
// (optimized-original)/100, which Combine clamps at 0.
func (s Signals) Components() map[string]float64 {
	c := make(map[string]float64, 4)
	if s.StructuralScore != nil {
		c[Structural] = float64(100-*s.StructuralScore) / 100
	}
	if s.OriginalOutput != nil && s.OptimizedOutput != nil {
		c[Output] = (*s.OptimizedOutput - *s.OriginalOutput) / 100
	}
	if s.MetaConfidence != nil {
		c[Meta] = *s.MetaConfidence
	}
	if s.BranchConfidence != nil {
		c[ToT] = *s.BranchConfidence
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
