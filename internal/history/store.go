// Package history stores finished evaluations and finds similar past runs.
//
// Two backends are provided: ChromemStore, an embedded store persisted to
// local gob files, and QdrantStore, which talks to a remote Qdrant over
// gRPC. Both embed the evaluated text with an Embedder and rank by cosine
// similarity.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidRecord is returned when a record has no input text.
	ErrInvalidRecord = errors.New("history: record has no input")

	// ErrInvalidConfig is returned for unusable store settings.
	ErrInvalidConfig = errors.New("history: invalid configuration")
)

// Record is one finished evaluation.
type Record struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Input        string    `json:"input"`
	TaskType     string    `json:"task_type"`
	OverallScore int       `json:"overall_score"`
	Grade        string    `json:"grade"`
	Summary      string    `json:"summary"`
	CreatedAt    time.Time `json:"created_at"`
}

// Match is a past record and its similarity to the query text.
type Match struct {
	Record
	Similarity float64 `json:"similarity"`
}

// Store persists records and answers similarity queries.
type Store interface {
	// Similar returns at most k records whose similarity to text is at
	// least minSimilarity, best first.
	Similar(ctx context.Context, text string, k int, minSimilarity float64) ([]Match, error)

	// Record stores r. An empty ID is replaced by a new UUID.
	Record(ctx context.Context, r Record) error

	Close() error
}

// Embedder turns text into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbedFunc adapts a function to Embedder.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// EmbedQuery implements Embedder.
func (f EmbedFunc) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Nop is a Store that remembers nothing.
type Nop struct{}

var _ Store = Nop{}

// Similar implements Store.
func (Nop) Similar(context.Context, string, int, float64) ([]Match, error) { return nil, nil }

// Record implements Store.
func (Nop) Record(context.Context, Record) error { return nil }

// Close implements Store.
func (Nop) Close() error { return nil }

// Summarize renders matches as a short block for an analysis prompt.
// It returns "" when there are no matches.
func Summarize(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Similar past evaluations:\n")
	for _, m := range matches {
		fmt.Fprintf(&b, "- %s (score %d, similarity %.2f)", m.Grade, m.OverallScore, m.Similarity)
		if m.Summary != "" {
			fmt.Fprintf(&b, ": %s", m.Summary)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// filter drops matches below minSimilarity and caps the result at k.
// Input must already be sorted best first.
func filter(matches []Match, k int, minSimilarity float64) []Match {
	out := matches[:0]
	for _, m := range matches {
		if m.Similarity < minSimilarity {
			continue
		}
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	return out
}

func validate(r Record) error {
	if strings.TrimSpace(r.Input) == "" {
		return ErrInvalidRecord
	}
	return nil
}
