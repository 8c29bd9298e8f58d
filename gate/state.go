package gate

import (
	"context"
	"fmt"
	"sort"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
	"github.com/dshills/stagegate/gate/store/archive"
)

// MergeState overwrites the top-level keys of the key's agent state bag
// with patch and returns the merged result. Nested values are replaced
// wholesale; callers depend on this overwrite behavior.
func (e *Engine) MergeState(ctx context.Context, key store.Key, patch map[string]any) (map[string]any, error) {
	unlock := e.lockKey(key)
	defer unlock()

	state, err := e.store.MergeAgentState(ctx, key, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to merge agent state: %w", err)
	}
	e.cfg.logger.Debug("agent state merged", "agent", key.Agent, "keys", sortedKeys(patch))
	return state, nil
}

// State returns the key's agent state bag (empty when none was saved).
func (e *Engine) State(ctx context.Context, key store.Key) (map[string]any, error) {
	state, err := e.store.LoadAgentState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	return state, nil
}

// Events returns the key's event log in append order.
func (e *Engine) Events(ctx context.Context, key store.Key) ([]emit.Event, error) {
	events, err := e.store.Events(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// Completion returns the completion record of a finished run, or an error
// wrapping store.ErrNotFound.
func (e *Engine) Completion(ctx context.Context, key store.Key, runID string) (*archive.CompletionRecord, error) {
	var rec archive.CompletionRecord
	if err := e.store.ReadArtifact(ctx, key, runID, CompletionArtifact, &rec); err != nil {
		return nil, fmt.Errorf("failed to read completion record for run %s: %w", runID, err)
	}
	return &rec, nil
}

// Outputs returns every stage output persisted for a run, in artifact name
// order. Repair attempts appear individually.
func (e *Engine) Outputs(ctx context.Context, key store.Key, runID string) ([]StageOutput, error) {
	names, err := e.store.Artifacts(ctx, key, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage outputs: %w", err)
	}
	var outputs []StageOutput
	for _, name := range names {
		if name == CompletionArtifact {
			continue
		}
		var out StageOutput
		if err := e.store.ReadArtifact(ctx, key, runID, name, &out); err != nil {
			return nil, fmt.Errorf("failed to read stage output %s: %w", name, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
