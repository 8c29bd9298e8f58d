package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
)

// MemArchive is an in-memory Archive for tests and short-lived hosts.
type MemArchive struct {
	mu          sync.RWMutex
	events      map[string][]emit.Event
	completions map[string]CompletionRecord
	closed      bool
}

// NewMemArchive creates an empty MemArchive.
func NewMemArchive() *MemArchive {
	return &MemArchive{
		events:      make(map[string][]emit.Event),
		completions: make(map[string]CompletionRecord),
	}
}

// RecordEvent implements Archive.
func (m *MemArchive) RecordEvent(ctx context.Context, key store.Key, event emit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	event.Agent = key.Agent
	event.Session = key.Session
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return nil
}

// RecordCompletion implements Archive.
func (m *MemArchive) RecordCompletion(ctx context.Context, rec CompletionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.completions[rec.RunID] = rec
	return nil
}

// Completions implements Archive.
func (m *MemArchive) Completions(ctx context.Context, agent string, limit int) ([]CompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []CompletionRecord
	for _, rec := range m.completions {
		if agent == "" || rec.AgentSlug == agent {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RunEvents implements Archive.
func (m *MemArchive) RunEvents(ctx context.Context, runID string) ([]emit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	events := m.events[runID]
	out := make([]emit.Event, len(events))
	copy(out, events)
	return out, nil
}

// Close implements Archive.
func (m *MemArchive) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
