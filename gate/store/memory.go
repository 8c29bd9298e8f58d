package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/stagegate/gate/emit"
)

// MemStore is an in-memory implementation of Store[R].
//
// Values are stored as JSON so callers never share memory with the store,
// matching the isolation FileStore gives. MemStore also counts run state
// writes per key, which tests use to check that each mutating action writes
// the run state exactly once.
//
// MemStore is safe for concurrent use.
type MemStore[R any] struct {
	mu         sync.RWMutex
	runs       map[Key][]byte
	events     map[Key][]emit.Event
	artifacts  map[Key]map[string]map[string][]byte // key -> runID -> name -> JSON
	agentState map[Key]map[string]any
	runWrites  map[Key]int
}

// NewMemStore creates an empty MemStore.
func NewMemStore[R any]() *MemStore[R] {
	return &MemStore[R]{
		runs:       make(map[Key][]byte),
		events:     make(map[Key][]emit.Event),
		artifacts:  make(map[Key]map[string]map[string][]byte),
		agentState: make(map[Key]map[string]any),
		runWrites:  make(map[Key]int),
	}
}

// RunWrites returns how many times the run state for key was saved or
// cleared.
func (m *MemStore[R]) RunWrites(key Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runWrites[key.Normalize()]
}

// LoadRun implements Store.
func (m *MemStore[R]) LoadRun(ctx context.Context, key Key) (R, error) {
	var zero R
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return zero, err
	}

	m.mu.RLock()
	data, ok := m.runs[key]
	m.mu.RUnlock()
	if !ok {
		return zero, ErrNotFound
	}

	var run R
	if err := json.Unmarshal(data, &run); err != nil {
		return zero, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return run, nil
}

// SaveRun implements Store.
func (m *MemStore[R]) SaveRun(ctx context.Context, key Key, run R) error {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[key] = data
	m.runWrites[key]++
	return nil
}

// ClearRun implements Store.
func (m *MemStore[R]) ClearRun(ctx context.Context, key Key) error {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, key)
	m.runWrites[key]++
	return nil
}

// AppendEvent implements Store.
func (m *MemStore[R]) AppendEvent(ctx context.Context, key Key, event emit.Event) error {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return err
	}
	event.Data = cloneMap(event.Data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[key] = append(m.events[key], event)
	return nil
}

// Events implements Store.
func (m *MemStore[R]) Events(ctx context.Context, key Key) ([]emit.Event, error) {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[key]
	out := make([]emit.Event, len(events))
	copy(out, events)
	return out, nil
}

// WriteArtifact implements Store.
func (m *MemStore[R]) WriteArtifact(ctx context.Context, key Key, runID, name string, v any) error {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byRun, ok := m.artifacts[key]
	if !ok {
		byRun = make(map[string]map[string][]byte)
		m.artifacts[key] = byRun
	}
	if byRun[runID] == nil {
		byRun[runID] = make(map[string][]byte)
	}
	byRun[runID][name] = data
	return nil
}

// ReadArtifact implements Store.
func (m *MemStore[R]) ReadArtifact(ctx context.Context, key Key, runID, name string, v any) error {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	m.mu.RLock()
	data, ok := m.artifacts[key][runID][name]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal artifact %s: %w", name, err)
	}
	return nil
}

// Artifacts implements Store.
func (m *MemStore[R]) Artifacts(ctx context.Context, key Key, runID string) ([]string, error) {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.artifacts[key][runID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadAgentState implements Store.
func (m *MemStore[R]) LoadAgentState(ctx context.Context, key Key) (map[string]any, error) {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	state := cloneMap(m.agentState[key])
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

// MergeAgentState implements Store.
func (m *MemStore[R]) MergeAgentState(ctx context.Context, key Key, patch map[string]any) (map[string]any, error) {
	key = key.Normalize()
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state := mergeTopLevel(m.agentState[key], cloneMap(patch))
	m.agentState[key] = state
	return cloneMap(state), nil
}

// cloneMap copies a JSON-shaped map via a JSON round trip. Values that
// cannot be marshaled fall back to a shallow copy.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err == nil {
		var out map[string]any
		if err := json.Unmarshal(data, &out); err == nil {
			return out
		}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
