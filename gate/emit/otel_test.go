package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, tp := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer("test"))

	emitter.Emit(Event{
		Type:      TypeStageCompleted,
		Timestamp: time.Now(),
		RunID:     "run-001",
		Agent:     "research",
		Session:   "sess-1",
		Data: map[string]interface{}{
			"stage":           2,
			"repairIteration": 1,
			"warnings":        []string{"`mode`: required field missing"},
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != TypeStageCompleted {
		t.Errorf("span name = %q, want %q", span.Name, TypeStageCompleted)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["stagegate.run_id"]; got != "run-001" {
		t.Errorf("run_id = %v, want run-001", got)
	}
	if got := attrs["stagegate.agent"]; got != "research" {
		t.Errorf("agent = %v, want research", got)
	}
	if got := attrs["stagegate.stage"]; got != int64(2) {
		t.Errorf("stage = %v, want 2", got)
	}
	if _, ok := attrs["stagegate.warnings"]; !ok {
		t.Error("expected warnings attribute")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer("test"))

	emitter.Emit(Event{
		Type:  TypeStageError,
		RunID: "run-err",
		Data:  map[string]interface{}{"error": "Unauthorized: invalid API key", "category": "auth"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected recorded error event on span")
	}
}

func TestOTelEmitter_EmitBatchRespectsContext(t *testing.T) {
	exporter, tp := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer("test"))

	events := []Event{
		{Type: TypeStageStarted, RunID: "r"},
		{Type: TypeStageCompleted, RunID: "r"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("expected 2 spans, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emitter.EmitBatch(ctx, events); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestOTelEmitter_EmitBatchNestsUnderParent(t *testing.T) {
	exporter, tp := newTestTracer(t)
	emitter := NewOTelEmitterForProvider(tp)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	if err := emitter.EmitBatch(ctx, []Event{{Type: TypeStageStarted, RunID: "r"}}); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	child := spans[0]
	if child.Name != TypeStageStarted {
		t.Fatalf("expected the event span first, got %q", child.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext().SpanID() {
		t.Errorf("event span parent = %s, want %s", child.Parent.SpanID(), parent.SpanContext().SpanID())
	}
}

func TestOTelEmitter_FlushUsesProvider(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Hour)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	emitter := NewOTelEmitterForProvider(tp)
	emitter.Emit(Event{Type: TypeRunReset, RunID: "r"})
	if got := len(exporter.GetSpans()); got != 0 {
		t.Fatalf("expected batched span to be pending, got %d exported", got)
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 1 {
		t.Errorf("expected 1 span after Flush, got %d", got)
	}
}
