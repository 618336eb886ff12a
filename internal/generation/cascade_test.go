package generation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
	"github.com/fyrsmithlabs/promptgrade/internal/generation/generationtest"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
	"github.com/fyrsmithlabs/promptgrade/internal/secrets"
)

func TestCascade_FallsThroughOnTransient(t *testing.T) {
	primary := generationtest.New("primary").Default(generationtest.Fail(errors.New("rate limited (429)")))
	secondary := generationtest.New("secondary").Default(generationtest.Text("hello"))
	tl := logging.NewTestLogger()

	cascade, err := generation.NewCascade(tl.Logger, primary, secondary)
	require.NoError(t, err)
	assert.Equal(t, "primary>secondary", cascade.Name())

	out, err := cascade.Generate(context.Background(), "prompt", generation.Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, "secondary", out.Provider)
	tl.AssertField(t, "falling back", "provider", "primary")
}

func TestCascade_StopsOnFatal(t *testing.T) {
	primary := generationtest.New("primary").Default(generationtest.Fail(errors.New("invalid api key")))
	secondary := generationtest.New("secondary").Default(generationtest.Text("never"))

	cascade, err := generation.NewCascade(nil, primary, secondary)
	require.NoError(t, err)

	_, err = cascade.Generate(context.Background(), "prompt", generation.Options{})
	require.Error(t, err)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.FatalInfrastructure, fe.Kind)
	assert.Equal(t, "primary", fe.Op)
	assert.Empty(t, secondary.Calls())
}

func TestCascade_AllTransient(t *testing.T) {
	a := generationtest.New("a").Default(generationtest.Fail(errors.New("503 overloaded")))
	b := generationtest.New("b").Default(generationtest.Fail(errors.New("server error (500)")))

	cascade, err := generation.NewCascade(nil, a, b)
	require.NoError(t, err)

	_, err = cascade.Generate(context.Background(), "prompt", generation.Options{})
	assert.Equal(t, fault.Transient, fault.KindOf(err))
	assert.Len(t, a.Calls(), 1)
	assert.Len(t, b.Calls(), 1)
}

func TestCascade_Cancelled(t *testing.T) {
	a := generationtest.New("a").Default(generationtest.Text("x"))
	cascade, err := generation.NewCascade(nil, a)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cascade.Generate(ctx, "prompt", generation.Options{})
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestNewCascade_Empty(t *testing.T) {
	_, err := generation.NewCascade(nil)
	assert.ErrorIs(t, err, generation.ErrNoProviders)
}

type stubRedactor struct{}

func (stubRedactor) Redact(_ context.Context, content string) *secrets.Result {
	if content == "my password is hunter2" {
		return &secrets.Result{
			Content:  "my password is [REDACTED:generic]",
			Findings: []secrets.Finding{{RuleID: "generic"}},
		}
	}
	return &secrets.Result{Content: content}
}

func TestScrubbing_RedactsBeforeSending(t *testing.T) {
	fake := generationtest.New("fake").Default(generationtest.Text("ok"))
	client := generation.NewScrubbing(fake, stubRedactor{})

	_, err := client.Generate(context.Background(), "my password is hunter2", generation.Options{System: "be brief"})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "my password is [REDACTED:generic]", calls[0].Prompt)
	assert.Equal(t, "be brief", calls[0].Options.System)

	assert.Same(t, fake, generation.NewScrubbing(fake, nil))
}
