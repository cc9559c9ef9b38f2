package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskpulse spans and metrics.
var (
	AttrAgentID = attribute.Key("taskpulse.agent.id")
	AttrTaskID  = attribute.Key("taskpulse.task.id")
	AttrTier    = attribute.Key("taskpulse.wake.tier")
	AttrAction  = attribute.Key("taskpulse.wake.action")
	AttrTraceID = attribute.Key("taskpulse.trace_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (Slack, Telegram, gateway).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
