package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var out bytes.Buffer
	p, err := New(context.Background(), Config{
		ServiceName: "gateway",
		Exporter:    ExporterStdout,
		Writer:      &out,
	})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "Request")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, out.String(), `"Name": "Request"`)
	assert.Contains(t, out.String(), "gateway")
}

func TestNoneExporterStillRecords(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := New(context.Background(), Config{
		ServiceName: "gateway",
		Exporter:    ExporterNone,
	}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "Request")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	attrs := recorder.Ended()[0].Resource().Attributes()
	var name string
	for _, kv := range attrs {
		if kv.Key == "service.name" {
			name = kv.Value.AsString()
		}
	}
	assert.Equal(t, "gateway", name)
}

func TestNeverSamplerDropsRootSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := New(context.Background(), Config{
		Exporter: ExporterNone,
		Sampler:  SamplerNever,
	}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "Request")
	span.End()

	assert.False(t, span.SpanContext().IsSampled())
	assert.Empty(t, recorder.Ended())
}

func TestConfigErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown exporter", Config{Exporter: "zipkin"}},
		{"unknown sampler", Config{Exporter: ExporterNone, Sampler: "sometimes"}},
		{"ratio out of range", Config{Exporter: ExporterNone, Sampler: SamplerRatio, SampleRatio: 1.5}},
		{"otlp without endpoint", Config{Exporter: ExporterOTLP}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(ctx, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestOTLPExporterIsLazy(t *testing.T) {
	p, err := New(context.Background(), Config{
		Exporter: ExporterOTLP,
		Endpoint: "127.0.0.1:1",
		Insecure: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
}

func TestPropagatorCarriesTraceContext(t *testing.T) {
	p, err := New(context.Background(), Config{Exporter: ExporterNone})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer().Start(context.Background(), "Request")
	defer span.End()

	carrier := propagation.MapCarrier{}
	p.Propagator().Inject(ctx, carrier)
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}
