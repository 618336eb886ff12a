package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans in memory.
type TestTelemetry struct {
	*Telemetry
	Recorder *tracetest.SpanRecorder
	Reader   *sdkmetric.ManualReader
}

// NewTestTelemetry returns telemetry backed by in-memory providers. The
// providers are not registered globally.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		Recorder: recorder,
		Reader:   reader,
	}
}

// SpansNamed returns ended spans with the given name.
func (t *TestTelemetry) SpansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range t.Recorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// AssertSpanExists fails tb unless a span named name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if len(t.SpansNamed(name)) == 0 {
		names := make([]string, 0, len(t.Recorder.Ended()))
		for _, s := range t.Recorder.Ended() {
			names = append(names, s.Name())
		}
		tb.Errorf("expected span %q not found, got: %v", name, names)
	}
}

// AssertSpanError fails tb unless some span named name ended with error status.
func (t *TestTelemetry) AssertSpanError(tb testing.TB, name string) {
	tb.Helper()
	for _, s := range t.SpansNamed(name) {
		if s.Status().Code == codes.Error {
			return
		}
	}
	tb.Errorf("no span %q ended with error status", name)
}

// SpanAttribute returns the value of key on the first span named name.
func (t *TestTelemetry) SpanAttribute(name string, key attribute.Key) (attribute.Value, bool) {
	for _, s := range t.SpansNamed(name) {
		for _, kv := range s.Attributes() {
			if kv.Key == key {
				return kv.Value, true
			}
		}
	}
	return attribute.Value{}, false
}
