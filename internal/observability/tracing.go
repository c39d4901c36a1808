package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/haasonsaas/docchat"

// Tracer creates the spans docchat emits: query.ask for one question and
// its answer, chunksync.fetch for one synchronization cycle and
// backend.<operation> for every backend call. The trace context travels to
// the backend in W3C traceparent headers.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures OTLP export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	// Tracing is disabled when empty.
	Endpoint string

	// SamplingRate is the fraction of new traces recorded. Zero means 1.
	SamplingRate float64

	// Attributes are added to the trace resource.
	Attributes map[string]string

	// EnableInsecure disables TLS towards the collector.
	EnableInsecure bool
}

// NewTracer builds a tracer exporting to config.Endpoint and installs it as
// the global provider. The returned shutdown flushes pending spans. Without
// an endpoint, or if the exporter cannot be created, a no-op tracer is
// returned.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return NewNopTracer(), noop
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return NewNopTracer(), noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(config)),
		sdktrace.WithSampler(samplerFor(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTracerFromProvider(provider), provider.Shutdown
}

func newResource(config TraceConfig) *resource.Resource {
	name := config.ServiceName
	if name == "" {
		name = "docchat"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if config.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(config.ServiceVersion))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

// samplerFor samples root spans at rate and follows the parent otherwise,
// so a backend-initiated trace is never cut in half.
func samplerFor(rate float64) sdktrace.Sampler {
	if rate == 0 {
		rate = 1
	}
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate < 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// NewNopTracer returns a tracer backed by the global provider, which is a
// no-op until one is installed.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// NewTracerFromProvider wraps provider, typically one with an in-memory
// exporter in tests.
func NewTracerFromProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(instrumentationName)}
}

// TraceQuery starts the span covering one question and its answer.
func (t *Tracer) TraceQuery(ctx context.Context, documentID string, pinned int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "query.ask",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.Int("query.pinned_chunks", pinned),
		),
	)
}

// TraceChunkFetch starts the span covering one chunk fetch.
func (t *Tracer) TraceChunkFetch(ctx context.Context, documentID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "chunksync.fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("document.id", documentID)),
	)
}

// TraceBackendCall starts a client span for a backend HTTP request.
func (t *Tracer) TraceBackendCall(ctx context.Context, operation, method, url string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "backend."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		),
	)
}

// ContentReceived records one streamed answer fragment on a query span.
func (t *Tracer) ContentReceived(span trace.Span, sequence uint64, size int) {
	span.AddEvent("content", trace.WithAttributes(
		attribute.Int64("event.sequence", int64(sequence)),
		attribute.Int("content.bytes", size),
	))
}

// RecordError marks span as failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets key/value pairs on span. Pairs with a non-string key
// and a trailing key without value are skipped.
//
//	tracer.SetAttributes(span, "pages", []int{1, 2}, "content_events", 4)
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

// InjectHTTP writes the trace context of ctx into header.
func (t *Tracer) InjectHTTP(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.Int64(key, int64(v))
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []int:
		return attribute.IntSlice(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
