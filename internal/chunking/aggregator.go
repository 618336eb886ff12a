package chunking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// Config controls when and how text is chunked.
type Config struct {
	// ThresholdTokens is the estimated size at which chunking starts.
	ThresholdTokens int
	// CeilingTokens bounds every chunk except an oversized single paragraph.
	CeilingTokens int
	// MinTokens is the size under which a chunk merges into a neighbour.
	MinTokens int
	// Concurrency is the number of chunks evaluated at once.
	Concurrency int
}

// DefaultConfig returns a 2000 token threshold, 1500 token ceiling, 50 token
// merge floor and five concurrent evaluations.
func DefaultConfig() Config {
	return Config{ThresholdTokens: 2000, CeilingTokens: 1500, MinTokens: 50, Concurrency: 5}
}

// Assessment is what an EvaluateFunc reports for one chunk.
type Assessment struct {
	Scores map[string]float64
	Flags  map[string]bool
	// Notes holds optional per-dimension commentary.
	Notes map[string]string
}

// EvaluateFunc scores a single chunk.
type EvaluateFunc func(ctx context.Context, chunk Chunk) (Assessment, error)

// Aggregated is the merged result across all chunks.
type Aggregated struct {
	Scores     map[string]float64 `json:"scores"`
	Flags      map[string]bool    `json:"flags"`
	Notes      map[string]string  `json:"notes,omitempty"`
	ChunkCount int                `json:"chunk_count"`
	Failed     []int              `json:"failed_chunks,omitempty"`
}

// Aggregator chunks text and merges per-chunk assessments.
type Aggregator struct {
	cfg    Config
	logger *logging.Logger
}

// New creates an Aggregator. Zero config fields take their defaults.
func New(cfg Config, logger *logging.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.ThresholdTokens <= 0 {
		cfg.ThresholdTokens = def.ThresholdTokens
	}
	if cfg.CeilingTokens <= 0 {
		cfg.CeilingTokens = def.CeilingTokens
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = def.MinTokens
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

// WithThreshold returns a copy using a different chunking threshold.
// Non-positive values leave the threshold unchanged.
func (a *Aggregator) WithThreshold(tokens int) *Aggregator {
	if tokens <= 0 {
		return a
	}
	cp := *a
	cp.cfg.ThresholdTokens = tokens
	return &cp
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config { return a.cfg }

// Split partitions text using the configured ceiling.
func (a *Aggregator) Split(text string) []Chunk {
	return splitter{ceiling: a.cfg.CeilingTokens, minTokens: a.cfg.MinTokens}.split(text)
}

// Evaluate scores text with fn. Text under the threshold is passed whole.
// Longer text is split and the chunks are scored concurrently; scores are
// the token-weighted mean over successful chunks and flags are OR-merged.
// The first classified error is returned only when every chunk failed.
func (a *Aggregator) Evaluate(ctx context.Context, text string, fn EvaluateFunc) (*Aggregated, error) {
	if EstimateTokens(text) < a.cfg.ThresholdTokens {
		whole := Chunk{Text: text, EstimatedTokens: EstimateTokens(text)}
		as, err := fn(ctx, whole)
		if err != nil {
			return nil, fault.Classify(err).WithOp("chunking")
		}
		agg := merge([]Chunk{whole}, []Assessment{as}, []error{nil})
		return agg, nil
	}

	chunks := a.Split(text)
	if len(chunks) == 0 {
		return nil, fault.New(fault.FatalContent, "chunking", "input is empty")
	}
	chunkCount.Observe(float64(len(chunks)))
	a.logger.Info(ctx, "evaluating input in chunks",
		zap.Int("chunks", len(chunks)),
		zap.Int("estimated_tokens", EstimateTokens(text)))

	start := time.Now()
	results := make([]Assessment, len(chunks))
	errs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i := range chunks {
		i := i
		g.Go(func() error {
			as, err := fn(ctx, chunks[i])
			if err != nil {
				errs[i] = fmt.Errorf("chunk %d: %w", i, err)
				return nil
			}
			results[i] = as
			return nil
		})
	}
	_ = g.Wait()
	chunkDuration.Observe(time.Since(start).Seconds())

	agg := merge(chunks, results, errs)
	if len(agg.Failed) == len(chunks) {
		chunkFailures.Add(float64(len(chunks)))
		return nil, fault.Classify(errs[0]).WithOp("chunking")
	}
	if len(agg.Failed) > 0 {
		chunkFailures.Add(float64(len(agg.Failed)))
		a.logger.Warn(ctx, "some chunks failed evaluation",
			zap.Ints("failed", agg.Failed),
			zap.Int("chunks", len(chunks)))
	}
	return agg, nil
}

// merge combines successful assessments. A dimension's score is
// Σ(score·tokens)/Σ(tokens) over the chunks that reported it. For notes the
// longest text per dimension is kept.
func merge(chunks []Chunk, results []Assessment, errs []error) *Aggregated {
	agg := &Aggregated{
		Scores:     make(map[string]float64),
		Flags:      make(map[string]bool),
		Notes:      make(map[string]string),
		ChunkCount: len(chunks),
	}
	weighted := make(map[string]float64)
	weights := make(map[string]float64)

	for i, c := range chunks {
		if errs[i] != nil {
			agg.Failed = append(agg.Failed, i)
			continue
		}
		as := results[i]
		t := float64(c.EstimatedTokens)
		for dim, score := range as.Scores {
			weighted[dim] += score * t
			weights[dim] += t
		}
		for flag, set := range as.Flags {
			agg.Flags[flag] = agg.Flags[flag] || set
		}
		for dim, note := range as.Notes {
			if len(note) > len(agg.Notes[dim]) {
				agg.Notes[dim] = note
			}
		}
	}
	for dim, w := range weights {
		if w > 0 {
			agg.Scores[dim] = weighted[dim] / w
		}
	}
	sort.Ints(agg.Failed)
	return agg
}
