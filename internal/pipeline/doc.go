// Package pipeline runs a directed graph of steps over a shared state.
//
// # Overview
//
// An Executor holds named steps, each paired with a Router that picks the
// next step from the state after the step ran. Run walks the graph from the
// entry step until a router returns End or a step fails:
//
//	route → analyze → score → ... → buildReport → END
//
// Steps run one at a time, so the State needs no locking. Concurrency lives
// inside steps (fan-out, chunk evaluation, branch exploration).
//
// # Fields
//
// State values are keyed by Field. The executor is built with a schema of
// known fields and every step declares the fields it reads (Inputs) and
// writes (Outputs). Registration rejects undeclared fields. At run time a
// step sees a View limited to its declared fields, and an update to a field
// outside its Outputs stops the run as a graph-definition error.
//
// # Results
//
// A step returns one of:
//   - Continue(updates): merge updates, last writer wins
//   - Skip(reason): merge nothing, log the reason, route as usual
//   - Fatal(err): classify err, record it on the state, stop
//
// Errors and panics escaping a step are classified with fault.Classify and
// treated as Fatal. Run always returns a well-formed State.
//
// # Bounds
//
// A step may run at most Config.ReentryBound times per loop iteration. The
// step named by Config.LoopStep opens a new iteration and may itself run at
// most Config.MaxLoops times. Config.MaxSteps caps the total number of
// steps. Exceeding any bound stops the run as a graph-definition error.
package pipeline
