package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/quorum/task"
)

// tracerName is the instrumentation scope name for quorum tracing.
const tracerName = "github.com/xraph/quorum"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes: quorum.task.id, quorum.task.type, quorum.task.priority,
// quorum.retry_count, quorum.payload_bytes.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "quorum.task.execute",
			trace.WithAttributes(
				attribute.String("quorum.task.id", t.ID.String()),
				attribute.String("quorum.task.type", t.Type),
				attribute.String("quorum.task.priority", t.Priority.String()),
				attribute.Int("quorum.retry_count", t.RetryCount),
				attribute.Int("quorum.payload_bytes", len(t.Payload)),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		out, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return out, err
	}
}
