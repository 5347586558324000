package otelinit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for orchestrator spans.
var (
	AttrEntityKind = attribute.Key("onefuzz.entity.kind")
	AttrEntityID   = attribute.Key("onefuzz.entity.id")
	AttrReconciler = attribute.Key("onefuzz.reconciler")
	AttrFromState  = attribute.Key("onefuzz.from_state")
	AttrToState    = attribute.Key("onefuzz.to_state")
	AttrJobID      = attribute.Key("onefuzz.job.id")
	AttrTaskID     = attribute.Key("onefuzz.task.id")
	AttrDurationMs = attribute.Key("onefuzz.duration_ms")
)
