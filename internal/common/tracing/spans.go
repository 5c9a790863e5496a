package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const engineTracerName = "taskforge-engine"

func engineTracer() trace.Tracer {
	return Tracer(engineTracerName)
}

// TraceAgentRun creates a span covering one full agent invocation, from
// sandbox acquisition through patch persistence.
func TraceAgentRun(ctx context.Context, jobID, taskID string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "agent.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("task_id", taskID),
	)
	return ctx, span
}

// TracePatchExtract creates a child span for in-sandbox patch extraction.
func TracePatchExtract(ctx context.Context, sandboxID string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "patch.extract",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("sandbox_id", sandboxID),
	)
	return ctx, span
}

// RecordResult marks span with err's outcome before the caller ends it.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
