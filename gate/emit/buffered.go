package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by run id. It is intended for tests and debugging
// dashboards; it grows without bound.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := gate.New(defs, st, gate.WithEmitter(emitter))
//
//	// Drive the pipeline...
//
//	pauses := emitter.GetHistoryWithFilter(runID, emit.HistoryFilter{Type: emit.TypeStageGatePause})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
	order  []Event
}

// HistoryFilter specifies criteria for filtering captured events.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	Type  string // Filter by event type (empty = no filter)
	Stage *int   // Filter by data["stage"] (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
	b.order = append(b.order, event)
}

// GetHistory returns a copy of all events for a run in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// All returns a copy of every captured event across runs in emission order.
func (b *BufferedEmitter) All() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, len(b.order))
	copy(out, b.order)
	return out
}

// GetHistoryWithFilter returns the events for a run that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events[runID] {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.Stage != nil && !stageMatches(event, *filter.Stage) {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Clear removes captured events for a run.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.events, runID)
	kept := b.order[:0]
	for _, event := range b.order {
		if event.RunID != runID {
			kept = append(kept, event)
		}
	}
	b.order = kept
}

func stageMatches(event Event, stage int) bool {
	switch v := event.Data["stage"].(type) {
	case int:
		return v == stage
	case float64:
		return int(v) == stage
	default:
		return false
	}
}
