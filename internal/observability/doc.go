// Package observability provides logging, metrics and tracing for docchat.
//
// # Logging
//
// Logger wraps slog with context correlation and redaction. Document and
// query ids stored on the context with AddDocumentID and AddQueryID, and the
// id of the active trace, are attached to every record.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx := observability.AddDocumentID(ctx, "doc-1")
//	logger.Info(ctx, "chunks synced", "count", 12)
//
// # Metrics
//
// Metrics are Prometheus collectors registered with the Registerer passed to
// NewMetrics. The watch command serves them over HTTP with promhttp.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordSync("applied", elapsed.Seconds(), len(chunks))
//
// # Tracing
//
// Tracer wraps OpenTelemetry. Without an OTLP endpoint it is a no-op.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "docchat",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceQuery(ctx, documentID, len(pins))
//	defer span.End()
package observability
