package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/xraph/quorum/middleware"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestTracing_CreatesSpan(t *testing.T) {
	t.Parallel()
	sr, tracer := setupTestTracer()

	if _, err := mw.TracingWithTracer(tracer)(context.Background(), newTestTask(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "quorum.task.execute" {
		t.Errorf("expected span name %q, got %q", "quorum.task.execute", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status().Code)
	}
}

func TestTracing_SpanAttributes(t *testing.T) {
	t.Parallel()
	sr, tracer := setupTestTracer()

	if _, err := mw.TracingWithTracer(tracer)(context.Background(), newTestTask(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range sr.Ended()[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	checks := map[attribute.Key]string{
		"quorum.task.id":       "task-1",
		"quorum.task.type":     "send-email",
		"quorum.task.priority": "high",
	}
	for k, want := range checks {
		if got := attrs[k].AsString(); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if got := attrs["quorum.retry_count"].AsInt64(); got != 2 {
		t.Errorf("quorum.retry_count = %d, want 2", got)
	}
	if got := attrs["quorum.payload_bytes"].AsInt64(); got != int64(len("payload")) {
		t.Errorf("quorum.payload_bytes = %d, want %d", got, len("payload"))
	}
}

func TestTracing_RecordsError(t *testing.T) {
	t.Parallel()
	sr, tracer := setupTestTracer()
	want := errors.New("smtp down")

	_, err := mw.TracingWithTracer(tracer)(context.Background(), newTestTask(), func(context.Context) ([]byte, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != "smtp down" {
		t.Errorf("status = %+v, want Error(smtp down)", span.Status())
	}
	if len(span.Events()) == 0 {
		t.Error("expected an exception event on the span")
	}
}

func TestTracing_PropagatesSpanContext(t *testing.T) {
	t.Parallel()
	_, tracer := setupTestTracer()

	_, err := mw.TracingWithTracer(tracer)(context.Background(), newTestTask(), func(ctx context.Context) ([]byte, error) {
		if !trace.SpanContextFromContext(ctx).IsValid() {
			t.Error("handler context carries no span")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
