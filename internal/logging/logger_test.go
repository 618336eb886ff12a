package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Level = "loud" }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Stdout = false }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"service": ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}

	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)
}

func TestContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRunID(context.Background(), "run-42")
	ctx = WithStep(ctx, "evaluateOriginal")
	tl.Info(ctx, "step finished", zap.Int("attempt", 1))

	tl.AssertLogged(t, zapcore.InfoLevel, "step finished")
	tl.AssertField(t, "step finished", "run.id", "run-42")
	tl.AssertField(t, "step finished", "step.name", "evaluateOriginal")
	tl.AssertField(t, "step finished", "attempt", int64(1))
}

func TestContextFields_Trace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "trace_id", fields[0].Key)
	assert.Equal(t, traceID.String(), fields[0].String)

	assert.Empty(t, ContextFields(context.Background()))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "hello")
	tl.AssertLogged(t, zapcore.WarnLevel, "hello")
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig().Redaction
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "calling with Bearer abc123"}, []zapcore.Field{
		zap.String("api_key", "sk-live-value"),
		zap.String("prompt", "use key sk-ant-REDACTED please"),
		zap.Int("tokens", 12),
	})
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "sk-live-value")
	assert.NotContains(t, out, "abcdefghijklmnopqrstu")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, `"tokens":12`)
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("[REDACTED]")))
}

func TestRedactedHelpers(t *testing.T) {
	assert.Equal(t, "[REDACTED:5]", Redacted("k", "hello").String)
	assert.Equal(t, "abc...", Preview("p", "abcdef", 3).String)
	assert.Equal(t, "ab", Preview("p", "ab", 3).String)
}
