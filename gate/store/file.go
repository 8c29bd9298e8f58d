package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/stagegate/gate/emit"
)

// File names used inside each key directory.
const (
	RunStateFile   = "current-run-state.json"
	EventLogFile   = "agent-events.jsonl"
	AgentStateFile = "agent-state.json"
	runsDir        = "runs"
	artifactExt    = ".json"
)

// FileStore is a filesystem implementation of Store[R].
//
// Layout under the root directory:
//
//	<root>/<workspace>/<session>/<agent>/
//	    current-run-state.json   atomically replaced on every mutation
//	    agent-events.jsonl       append-only, one event per line
//	    agent-state.json         sibling replace-all state bag
//	    runs/<runId>/*.json      per-stage artifacts and completion record
//
// Path components are percent-encoded so a key can never escape the root
// and distinct keys never share a directory. An empty workspace or session
// maps to DefaultComponent.
//
// FileStore uses a write-to-temp-then-rename pattern instead of a
// transactional database: there is a single writer per key and the run
// state is one small document.
type FileStore[R any] struct {
	root   string
	write  WriteFunc
	remove RemoveFunc

	// mu serializes appends and agent state merges within this process.
	mu sync.Mutex
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreConfig)

type fileStoreConfig struct {
	write  WriteFunc
	remove RemoveFunc
}

// WithWriteFunc replaces the file write primitive. Tests use it to count
// or fail writes.
func WithWriteFunc(fn WriteFunc) FileStoreOption {
	return func(cfg *fileStoreConfig) {
		if fn != nil {
			cfg.write = fn
		}
	}
}

// WithRemoveFunc replaces the file removal primitive used by ClearRun.
func WithRemoveFunc(fn RemoveFunc) FileStoreOption {
	return func(cfg *fileStoreConfig) {
		if fn != nil {
			cfg.remove = fn
		}
	}
}

// NewFileStore creates a FileStore rooted at root. The directory is created
// if it does not exist.
//
// Example:
//
//	st, err := store.NewFileStore[gate.Run](filepath.Join(home, ".stagegate"))
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewFileStore[R any](root string, opts ...FileStoreOption) (*FileStore[R], error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	cfg := fileStoreConfig{
		write:  WriteFileAtomic,
		remove: removeIfExists,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &FileStore[R]{
		root:   root,
		write:  cfg.write,
		remove: cfg.remove,
	}, nil
}

// Root returns the store's root directory.
func (f *FileStore[R]) Root() string {
	return f.root
}

// Dir returns the directory holding the files for key.
func (f *FileStore[R]) Dir(key Key) string {
	return filepath.Join(f.root,
		encodeComponent(key.Workspace),
		encodeComponent(key.Session),
		encodeComponent(key.Agent),
	)
}

// RunStatePath returns the path of the current run state file for key.
func (f *FileStore[R]) RunStatePath(key Key) string {
	return filepath.Join(f.Dir(key), RunStateFile)
}

// LoadRun implements Store.
func (f *FileStore[R]) LoadRun(ctx context.Context, key Key) (R, error) {
	var zero R
	if err := checkKey(ctx, key); err != nil {
		return zero, err
	}

	data, err := os.ReadFile(f.RunStatePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("failed to read run state: %w", err)
	}

	var run R
	if err := json.Unmarshal(data, &run); err != nil {
		return zero, fmt.Errorf("failed to parse run state %s: %w", f.RunStatePath(key), err)
	}
	return run, nil
}

// SaveRun implements Store.
func (f *FileStore[R]) SaveRun(ctx context.Context, key Key, run R) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	if err := f.write(f.RunStatePath(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// ClearRun implements Store.
func (f *FileStore[R]) ClearRun(ctx context.Context, key Key) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}
	if err := f.remove(f.RunStatePath(key)); err != nil {
		return fmt.Errorf("failed to clear run state: %w", err)
	}
	return nil
}

// AppendEvent implements Store. Each event is marshaled to a single line
// and written with one Write call on an O_APPEND descriptor.
func (f *FileStore[R]) AppendEvent(ctx context.Context, key Key, event emit.Event) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, EventLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	_, writeErr := file.Write(line)
	closeErr := file.Close()
	if writeErr != nil {
		return fmt.Errorf("failed to append event: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close event log: %w", closeErr)
	}
	return nil
}

// Events implements Store.
func (f *FileStore[R]) Events(ctx context.Context, key Key) ([]emit.Event, error) {
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(f.Dir(key), EventLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var events []emit.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event emit.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse event log line %d: %w", lineNo, err)
		}
		event.Agent = key.Agent
		event.Session = key.Session
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}

// WriteArtifact implements Store.
func (f *FileStore[R]) WriteArtifact(ctx context.Context, key Key, runID, name string, v any) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", name, err)
	}
	if err := f.write(f.artifactPath(key, runID, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return nil
}

// ReadArtifact implements Store.
func (f *FileStore[R]) ReadArtifact(ctx context.Context, key Key, runID, name string, v any) error {
	if err := checkKey(ctx, key); err != nil {
		return err
	}

	data, err := os.ReadFile(f.artifactPath(key, runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse artifact %s: %w", name, err)
	}
	return nil
}

// Artifacts implements Store.
func (f *FileStore[R]) Artifacts(ctx context.Context, key Key, runID string) ([]string, error) {
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(f.Dir(key), runsDir, encodeComponent(runID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		decoded, err := decodeComponent(strings.TrimSuffix(name, artifactExt))
		if err != nil {
			continue
		}
		names = append(names, decoded)
	}
	sort.Strings(names)
	return names, nil
}

// LoadAgentState implements Store.
func (f *FileStore[R]) LoadAgentState(ctx context.Context, key Key) (map[string]any, error) {
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}
	return f.readAgentState(key)
}

// MergeAgentState implements Store.
func (f *FileStore[R]) MergeAgentState(ctx context.Context, key Key, patch map[string]any) (map[string]any, error) {
	if err := checkKey(ctx, key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.readAgentState(key)
	if err != nil {
		return nil, err
	}
	state = mergeTopLevel(state, patch)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent state: %w", err)
	}
	if err := f.write(filepath.Join(f.Dir(key), AgentStateFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to save agent state: %w", err)
	}
	return state, nil
}

func (f *FileStore[R]) readAgentState(key Key) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(f.Dir(key), AgentStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read agent state: %w", err)
	}
	state := map[string]any{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse agent state: %w", err)
	}
	return state, nil
}

func (f *FileStore[R]) artifactPath(key Key, runID, name string) string {
	return filepath.Join(f.Dir(key), runsDir, encodeComponent(runID), encodeComponent(name)+artifactExt)
}

func checkKey(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return key.Validate()
}

// encodeComponent maps a key part to a single path element. Bytes outside
// [A-Za-z0-9._-] and leading dots are percent-encoded, so the mapping is
// reversible and distinct values never share a path.
func encodeComponent(s string) string {
	if s == "" {
		return DefaultComponent
	}
	var b strings.Builder
	leading := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if leading && c == '.' {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		leading = false
		if isPathSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// decodeComponent reverses encodeComponent.
func decodeComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

func isPathSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}
