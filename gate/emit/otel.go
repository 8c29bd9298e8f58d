package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an instantaneous span with:
//   - Span name: event.Type (e.g., "stage_completed", "stage_gate_pause")
//   - Attributes: run id, agent, session, and all event.Data fields
//   - Status: Error if event.Data["error"] is a string
//
// Usage:
//
//	tracer := otel.Tracer("stagegate")
//	emitter := emit.NewOTelEmitter(tracer)
//	engine, _ := gate.New(defs, st, gate.WithEmitter(emitter))
type OTelEmitter struct {
	tracer   trace.Tracer
	provider trace.TracerProvider
}

// NewOTelEmitter creates a new OTelEmitter. A nil tracer uses the global
// provider's "stagegate" tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("stagegate")
	}
	return &OTelEmitter{tracer: tracer}
}

// NewOTelEmitterForProvider creates an OTelEmitter using the provider's
// "stagegate" tracer. Flush forces export on that provider.
func NewOTelEmitterForProvider(tp trace.TracerProvider) *OTelEmitter {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelEmitter{tracer: tp.Tracer("stagegate"), provider: tp}
}

// Emit creates and immediately ends a root span for the event. The engine
// calls EmitBatch instead, which parents the spans under the dispatch span.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch creates one span per event under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	opts := []trace.SpanStartOption{}
	if !event.Timestamp.IsZero() {
		opts = append(opts, trace.WithTimestamp(event.Timestamp))
	}
	_, span := o.tracer.Start(ctx, event.Type, opts...)
	defer span.End()

	span.SetAttributes(
		attribute.String("stagegate.run_id", event.RunID),
		attribute.String("stagegate.agent", event.Agent),
		attribute.String("stagegate.session", event.Session),
	)
	o.addDataAttributes(span, event.Data)

	if msg, ok := event.Data["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// Flush forces export of pending spans when the emitter's provider (or the
// global provider) supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	tp := o.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// addDataAttributes converts event data to span attributes.
//
// Handles string, int, int64, float64, bool, []string and time.Duration
// directly; other values fall back to their string representation.
func (o *OTelEmitter) addDataAttributes(span trace.Span, data map[string]interface{}) {
	for key, value := range data {
		attrKey := "stagegate." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case []string:
			span.SetAttributes(attribute.StringSlice(attrKey, v))
		case []int:
			span.SetAttributes(attribute.IntSlice(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
