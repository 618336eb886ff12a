// Package generationtest provides a scripted generation.Client for tests.
package generationtest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/promptgrade/internal/generation"
)

// Response is one scripted reply.
type Response struct {
	Text  string
	Err   error
	Delay time.Duration
	// IgnoreContext makes the reply wait out Delay even after ctx is done,
	// like a provider client that never checks its context.
	IgnoreContext bool
}

// Text replies with s.
func Text(s string) Response { return Response{Text: s} }

// Fail replies with err.
func Fail(err error) Response { return Response{Err: err} }

// JSON replies with v marshaled. It panics on unmarshalable values.
func JSON(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Response{Text: string(data)}
}

// Call records one Generate invocation.
type Call struct {
	Prompt  string
	Options generation.Options
}

type rule struct {
	match     string
	responses []Response
	next      int
}

// Fake answers prompts from rules matched by substring, first match wins.
// Each rule steps through its responses and then repeats the last one.
type Fake struct {
	name string

	mu    sync.Mutex
	rules []*rule
	def   Response
	calls []Call
}

var _ generation.Client = (*Fake)(nil)

// New returns a fake named name that fails every unmatched prompt.
func New(name string) *Fake {
	return &Fake{name: name, def: Fail(errors.New("generationtest: no scripted response"))}
}

// On adds a rule for prompts (or system prompts) containing match.
func (f *Fake) On(match string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{match: match, responses: responses})
	return f
}

// Default sets the reply for prompts no rule matches.
func (f *Fake) Default(r Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.def = r
	return f
}

// Name implements generation.Client.
func (f *Fake) Name() string { return f.name }

// Generate implements generation.Client.
func (f *Fake) Generate(ctx context.Context, prompt string, opts generation.Options) (generation.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Prompt: prompt, Options: opts})
	resp := f.def
	for _, r := range f.rules {
		if strings.Contains(prompt, r.match) || strings.Contains(opts.System, r.match) {
			if len(r.responses) > 0 {
				resp = r.responses[r.next]
				if r.next < len(r.responses)-1 {
					r.next++
				}
			}
			break
		}
	}
	f.mu.Unlock()

	if resp.Delay > 0 && resp.IgnoreContext {
		time.Sleep(resp.Delay)
		return generation.Output{Text: resp.Text, Provider: f.name, Model: "fake"}, nil
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return generation.Output{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return generation.Output{}, err
	}
	if resp.Err != nil {
		return generation.Output{}, resp.Err
	}
	return generation.Output{Text: resp.Text, Provider: f.name, Model: "fake"}, nil
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many prompts contained match.
func (f *Fake) CallCount(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.Prompt, match) || strings.Contains(c.Options.System, match) {
			n++
		}
	}
	return n
}
