package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LifecycleTracer provides convenience methods for creating spans around
// subscription lifecycle operations.
type LifecycleTracer struct {
	tracer trace.Tracer
}

// NewLifecycleTracer creates a LifecycleTracer. If tracer is nil, the global
// tracer provider is used.
func NewLifecycleTracer(tracer trace.Tracer) *LifecycleTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("subscriptions.lifecycle")
	}
	return &LifecycleTracer{tracer: tracer}
}

// StartOperation begins a span for one lifecycle operation such as
// "purchase" or "change_plan".
func (l *LifecycleTracer) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("lifecycle.operation", operation)}, attrs...)
	return l.tracer.Start(ctx, "lifecycle."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartSweep begins a span for an expiration sweep run.
func (l *LifecycleTracer) StartSweep(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "sweeper.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("sweeper.batch_size", batchSize)),
	)
}

// RecordError records an error on the given span and sets the span status.
func (l *LifecycleTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func (l *LifecycleTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Finish ends span, recording err when it is non-nil.
func (l *LifecycleTracer) Finish(span trace.Span, err error) {
	if err != nil {
		l.RecordError(span, err)
	} else {
		l.SetSuccess(span)
	}
	span.End()
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
