package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:   "AlwaysOnSampler",
		2:   "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		-1:  "AlwaysOffSampler",
		0.5: "TraceIDRatioBased",
	}
	for ratio, want := range cases {
		if got := Sampler(ratio).Description(); !strings.HasPrefix(got, want) {
			t.Errorf("Sampler(%v) = %q, want prefix %q", ratio, got, want)
		}
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Fatalf("expected empty trace id, got %q", id)
	}

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if id := TraceIDFromContext(ctx); len(id) != 32 {
		t.Fatalf("expected 32-char trace id, got %q", id)
	}
}

func TestStartAndRecordError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := Start(context.Background(), "approval.Approve", attribute.String("entry_id", "e1"))
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "approval.Approve" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", ended[0].Status().Code)
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("expected one recorded error event, got %d", len(ended[0].Events()))
	}
}
