package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/generation/generationtest"
)

// scriptedClient fails the invocations whose arrival order is in fail.
type scriptedClient struct {
	mu    sync.Mutex
	calls int
	fail  map[int]error
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Generate(ctx context.Context, prompt string, _ generation.Options) (generation.Output, error) {
	c.mu.Lock()
	n := c.calls
	c.calls++
	c.mu.Unlock()
	if err, ok := c.fail[n]; ok {
		return generation.Output{}, err
	}
	return generation.Output{Text: "answer"}, nil
}

// barrierClient blocks every call until want calls are in flight.
type barrierClient struct {
	want    int32
	arrived atomic.Int32
	release chan struct{}
	once    sync.Once
}

func (c *barrierClient) Name() string { return "barrier" }

func (c *barrierClient) Generate(ctx context.Context, _ string, _ generation.Options) (generation.Output, error) {
	if c.arrived.Add(1) == c.want {
		c.once.Do(func() { close(c.release) })
	}
	select {
	case <-c.release:
		return generation.Output{Text: "ok"}, nil
	case <-ctx.Done():
		return generation.Output{}, ctx.Err()
	}
}

func newExecutor(client generation.Client, timeout time.Duration) *Executor {
	cfg := DefaultConfig()
	cfg.CallTimeout = timeout
	return New(client, cfg, nil)
}

func TestRunN_InvalidCount(t *testing.T) {
	exec := newExecutor(generationtest.New("f"), time.Second)

	for _, n := range []int{0, 1, 6} {
		_, err := exec.RunN(context.Background(), Task{ID: "t"}, n)
		assert.ErrorIs(t, err, ErrInvalidCount, "n=%d", n)
	}
}

func TestRunN_AllCallsInFlightTogether(t *testing.T) {
	client := &barrierClient{want: 5, release: make(chan struct{})}
	exec := newExecutor(client, 2*time.Second)

	results, err := exec.RunN(context.Background(), Task{ID: "t", Prompt: "p"}, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.OK(), "a call timed out, so calls were not concurrent")
	}
}

func TestRunN_CompletenessWhenAllFail(t *testing.T) {
	fake := generationtest.New("f").Default(generationtest.Fail(errors.New("server error (500)")))
	exec := newExecutor(fake, time.Second)

	results, err := exec.RunN(context.Background(), Task{ID: "t", Prompt: "p"}, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.False(t, r.OK())
		assert.Equal(t, fault.Transient, r.Err.Kind)
	}

	summary := Summarize(results)
	require.NotNil(t, summary.Err())
	assert.Len(t, summary.Failures, 5)
}

func TestRunN_PartialSuccess(t *testing.T) {
	boom := errors.New("server error (502)")
	client := &scriptedClient{fail: map[int]error{0: boom, 2: boom, 4: boom}}
	exec := newExecutor(client, time.Second)

	results, err := exec.RunN(context.Background(), Task{ID: "t", Prompt: "p"}, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)

	summary := Summarize(results)
	assert.Nil(t, summary.Err())
	assert.Equal(t, 2, summary.Succeeded())
	assert.Len(t, summary.Failures, 3)
	assert.Equal(t, 5, summary.Total)
}

func TestRunN_TimeoutBecomesFailedResult(t *testing.T) {
	fake := generationtest.New("f").Default(generationtest.Response{Text: "late", Delay: time.Second})
	exec := newExecutor(fake, 20*time.Millisecond)

	start := time.Now()
	results, err := exec.RunN(context.Background(), Task{ID: "t"}, 2)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	for _, r := range results {
		require.False(t, r.OK())
		assert.Equal(t, fault.Transient, r.Err.Kind)
	}
}

func TestRunN_TimeoutWhenClientIgnoresContext(t *testing.T) {
	fake := generationtest.New("f").Default(generationtest.Response{Text: "late", Delay: 2 * time.Second, IgnoreContext: true})
	exec := newExecutor(fake, 50*time.Millisecond)

	start := time.Now()
	results, err := exec.RunN(context.Background(), Task{ID: "t"}, 2)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, results, 2)
	for _, r := range results {
		require.False(t, r.OK())
		assert.Equal(t, fault.Transient, r.Err.Kind)
		assert.Empty(t, r.Output.Text)
	}
}

func TestRunN_CancelledRun(t *testing.T) {
	fake := generationtest.New("f").Default(generationtest.Response{Text: "late", Delay: time.Second})
	exec := newExecutor(fake, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results, err := exec.RunN(ctx, Task{ID: "t"}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	summary := Summarize(results)
	require.NotNil(t, summary.Err())
	assert.Equal(t, fault.Cancelled, summary.Err().Kind)
}

func TestSummarize_LabelsInSubmissionOrder(t *testing.T) {
	results := []Result{
		{Index: 0, Output: generation.Output{Text: "first"}},
		{Index: 1, Err: fault.New(fault.Transient, "x", "timed out")},
		{Index: 2, Output: generation.Output{Text: "third"}},
	}

	s := Summarize(results)
	assert.Equal(t, "--- Run 1 ---\nfirst\n\n--- Run 3 ---\nthird", s.Combined)
	assert.Equal(t, []string{"first", "third"}, s.Outputs)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, 1, s.Failures[0].Index)
	assert.Equal(t, "timed out", s.Failures[0].Message)
}
