// Package store persists stage-gate run state, the event log, and per-run
// stage artifacts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/stagegate/gate/emit"
)

// ErrNotFound is returned when no run state, artifact, or agent state exists
// for the requested key.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned when a key cannot address a run.
var ErrInvalidKey = errors.New("invalid key")

// DefaultComponent stands in for an empty workspace or session.
const DefaultComponent = "default"

// Key identifies the unit of isolation: one in-flight run per
// (workspace, session, agent). Distinct keys share no mutable state. An
// empty workspace or session is the same key as DefaultComponent.
type Key struct {
	Workspace string `json:"workspace"`
	Session   string `json:"session"`
	Agent     string `json:"agent"`
}

// String renders the key as workspace/session/agent.
func (k Key) String() string {
	return k.Workspace + "/" + k.Session + "/" + k.Agent
}

// Normalize replaces an empty workspace or session with DefaultComponent.
func (k Key) Normalize() Key {
	if k.Workspace == "" {
		k.Workspace = DefaultComponent
	}
	if k.Session == "" {
		k.Session = DefaultComponent
	}
	return k
}

// Validate reports whether the key can address a run. Workspace and session
// may be empty (a single-tenant host); the agent may not.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Agent) == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalidKey)
	}
	return nil
}

// Store provides persistence for run state, events, and stage artifacts.
//
// It enables:
//   - Atomic replacement of the single current run state per key
//   - An append-only event log per key
//   - Per-run intermediate artifacts (stage outputs, completion metadata)
//   - A sibling agent state bag with replace-all top-level merge semantics
//
// Implementations:
//   - FileStore: write-to-temp-then-rename files and a JSONL log (production)
//   - MemStore: in-memory maps (testing)
//
// Type parameter R is the run state type to persist (must be JSON-serializable).
type Store[R any] interface {
	// LoadRun returns the current run state for key, or ErrNotFound.
	LoadRun(ctx context.Context, key Key) (R, error)

	// SaveRun atomically replaces the current run state for key. A crash
	// mid-write must never leave a corrupt or half-updated record.
	SaveRun(ctx context.Context, key Key, run R) error

	// ClearRun removes the current run state for key. Clearing a key with
	// no run is not an error.
	ClearRun(ctx context.Context, key Key) error

	// AppendEvent appends one event to the key's log. Events are never
	// rewritten or deleted.
	AppendEvent(ctx context.Context, key Key, event emit.Event) error

	// Events returns the key's event log in append order. An empty log is
	// not an error.
	Events(ctx context.Context, key Key) ([]emit.Event, error)

	// WriteArtifact stores v (JSON-encoded) as the named artifact of a run.
	WriteArtifact(ctx context.Context, key Key, runID, name string, v any) error

	// ReadArtifact decodes the named artifact of a run into v, or returns
	// ErrNotFound.
	ReadArtifact(ctx context.Context, key Key, runID, name string, v any) error

	// Artifacts lists the artifact names of a run in lexical order.
	Artifacts(ctx context.Context, key Key, runID string) ([]string, error)

	// LoadAgentState returns the agent state bag for key (empty if absent).
	LoadAgentState(ctx context.Context, key Key) (map[string]any, error)

	// MergeAgentState overwrites the top-level keys of the agent state bag
	// with those in patch and returns the result. Nested values are replaced
	// wholesale, never deep-merged.
	MergeAgentState(ctx context.Context, key Key, patch map[string]any) (map[string]any, error)
}

// mergeTopLevel applies replace-all semantics: every key in patch
// overwrites the corresponding key in state.
func mergeTopLevel(state, patch map[string]any) map[string]any {
	if state == nil {
		state = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		state[k] = v
	}
	return state
}
