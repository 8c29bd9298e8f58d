// Package emit provides event emission for stage-gate transitions.
package emit

import (
	"context"
	"errors"
)

// Emitter receives transition events after they have been durably appended
// to the event log.
//
// Emitters enable pluggable observability backends:
//   - Logging: JSONL files, slog handlers
//   - Distributed tracing: OpenTelemetry
//   - Testing: in-memory capture
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down action dispatch
//   - Thread-safe: Distinct run keys may be dispatched concurrently
//   - Resilient: Handle failures internally (never fail the transition)
type Emitter interface {
	// Emit sends an event to the configured backend.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// BatchEmitter is implemented by emitters that take the events of one
// transition together with the caller's context. The engine prefers it over
// Emit so context-scoped backends (trace spans) attach to the dispatch.
type BatchEmitter interface {
	EmitBatch(ctx context.Context, events []Event) error
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards the event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// EmitBatch forwards the events to every non-nil emitter, passing ctx to
// those that implement BatchEmitter. The errors of all emitters are joined.
func (m MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, e := range m {
		switch e := e.(type) {
		case nil:
		case BatchEmitter:
			if err := e.EmitBatch(ctx, events); err != nil {
				errs = append(errs, err)
			}
		default:
			for _, event := range events {
				e.Emit(event)
			}
		}
	}
	return errors.Join(errs...)
}
