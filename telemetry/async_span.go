// Package telemetry provides async span creation for trace context
// restoration.
//
// When a task is submitted to the queue, the trace context (TraceID and
// SpanID) is stored with the task. A worker picking up the task later
// calls StartLinkedSpan to create a new span linked to the original
// request's trace, so the full journey stays visible in trace tooling.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartLinkedSpan creates a span linked to a stored trace context.
// Used by scheduler workers restoring trace continuity across the queue
// boundary.
//
// Parameters:
//   - ctx: Base context (typically context.Background() for workers)
//   - name: Span name (e.g., "task.process")
//   - traceID: W3C trace ID (32 hex chars) from the stored task
//   - parentSpanID: Span ID (16 hex chars) from the stored task
//   - attributes: Key-value pairs to attach to the span
//
// Returns the context with the new span attached and a func to call when
// the span completes (use with defer).
//
// If traceID or parentSpanID are empty or invalid, a valid span is still
// created, just without the link. This keeps workers functional when
// trace context is unavailable.
func StartLinkedSpan(
	ctx context.Context,
	name string,
	traceID string,
	parentSpanID string,
	attributes map[string]string,
) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(meterName)

	opts := []trace.SpanStartOption{}
	if traceID != "" && parentSpanID != "" {
		tid, tidErr := trace.TraceIDFromHex(traceID)
		sid, sidErr := trace.SpanIDFromHex(parentSpanID)

		if tidErr == nil && sidErr == nil {
			parentSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			})
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: parentSC,
				Attributes: []attribute.KeyValue{
					attribute.String("link.type", "async_task"),
				},
			}))
		}
	}

	ctx, span := tracer.Start(ctx, name, opts...)

	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}

	return ctx, func() { span.End() }
}
