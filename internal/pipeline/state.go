package pipeline

import (
	"sort"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
)

// Field names a value held in the State.
type Field string

// Phase selects which part of the graph a run covers.
type Phase string

const (
	// PhaseStructure runs structural analysis only.
	PhaseStructure Phase = "structure"
	// PhaseOutput runs output evaluation only.
	PhaseOutput Phase = "output"
	// PhaseFull runs every stage.
	PhaseFull Phase = "full"
)

// ParsePhase validates s. The empty string means PhaseFull.
func ParsePhase(s string) (Phase, bool) {
	switch Phase(s) {
	case "", PhaseFull:
		return PhaseFull, true
	case PhaseStructure, PhaseOutput:
		return Phase(s), true
	}
	return "", false
}

// SkippedStep records a step that declined to run.
type SkippedStep struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// State is the data a run carries from step to step.
type State struct {
	RunID string
	Input string
	Phase Phase

	// History lists every step executed, in order.
	History []string
	Skipped []SkippedStep

	Terminal bool
	Err      *fault.Error

	fields map[Field]any
}

// NewState creates the initial state for one run.
func NewState(runID, input string, phase Phase) *State {
	return &State{
		RunID:  runID,
		Input:  input,
		Phase:  phase,
		fields: make(map[Field]any),
	}
}

// Set stores v under f. Hosts use it to seed inputs before Run.
func (s *State) Set(f Field, v any) {
	s.fields[f] = v
}

// Value returns the raw value of f.
func (s *State) Value(f Field) (any, bool) {
	v, ok := s.fields[f]
	return v, ok
}

// Has reports whether f holds a value.
func (s *State) Has(f Field) bool {
	_, ok := s.fields[f]
	return ok
}

// Fields returns the populated fields in sorted order.
func (s *State) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for f := range s.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the value of f as a T. ok is false when f is absent or
// holds another type.
func Lookup[T any](s *State, f Field) (T, bool) {
	v, ok := s.fields[f]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// View is a step's window onto the State, limited to the step's declared
// inputs and outputs.
type View struct {
	state    *State
	step     string
	readable map[Field]struct{}
}

func newView(s *State, n *node) *View {
	return &View{state: s, step: n.step.Name(), readable: n.readable}
}

// Step returns the name of the step holding the view.
func (v *View) Step() string { return v.step }

// RunID returns the run identifier.
func (v *View) RunID() string { return v.state.RunID }

// Input returns the raw input text.
func (v *View) Input() string { return v.state.Input }

// Phase returns the run phase.
func (v *View) Phase() Phase { return v.state.Phase }

// History returns a copy of the steps executed so far.
func (v *View) History() []string {
	return append([]string(nil), v.state.History...)
}

// Value returns f when it is declared by the step and present.
func (v *View) Value(f Field) (any, bool) {
	if _, ok := v.readable[f]; !ok {
		return nil, false
	}
	return v.state.Value(f)
}

// Get returns f as a T through a view. Undeclared, absent and mistyped
// fields all report ok=false.
func Get[T any](v *View, f Field) (T, bool) {
	raw, ok := v.Value(f)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := raw.(T)
	return t, ok
}
