package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
	assert.False(t, tel.IsEnabled())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok local", func(c *Config) {}, ""},
		{"remote insecure", func(c *Config) { c.Endpoint = "collector.example.com:4317" }, "insecure"},
		{"remote tls", func(c *Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = false }, ""},
		{"ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"http scheme local", func(c *Config) { c.Endpoint = "http://127.0.0.1:4318"; c.Protocol = "http/protobuf" }, ""},
		{"bad protocol", func(c *Config) { c.Protocol = "thrift" }, "protocol"},
		{"bad rate", func(c *Config) { c.SampleRate = 2 }, "sample_rate"},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	degraded, _ := tel.Degraded()
	assert.True(t, degraded)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("promptgrade/test").Start(context.Background(), "pipeline.step")
	span.SetAttributes(attribute.String("step.name", "route"))
	span.SetStatus(codes.Error, "boom")
	span.End()

	tt.AssertSpanExists(t, "pipeline.step")
	tt.AssertSpanError(t, "pipeline.step")
	v, ok := tt.SpanAttribute("pipeline.step", "step.name")
	require.True(t, ok)
	assert.Equal(t, "route", v.AsString())
}
