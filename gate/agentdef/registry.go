package agentdef

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dshills/stagegate/gate"
)

// ErrDuplicateSlug is returned when two definitions claim the same slug.
var ErrDuplicateSlug = errors.New("duplicate agent slug")

// Registry is a concurrency-safe gate.DefinitionSource.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*gate.Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*gate.Definition)}
}

// LoadDir builds a registry from every definition file directly inside dir.
// Subdirectories and files with other extensions are ignored. The first
// invalid file aborts loading.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() || !supported(entry.Name()) {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
	}
	return reg, nil
}

// Register validates def and adds it under its slug.
func (r *Registry) Register(def *gate.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Slug]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSlug, def.Slug)
	}
	r.defs[def.Slug] = def
	return nil
}

// Lookup implements gate.DefinitionSource.
func (r *Registry) Lookup(slug string) (*gate.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", gate.ErrAgentNotFound, slug)
	}
	return def, nil
}

// Slugs returns the registered slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slugs := make([]string, 0, len(r.defs))
	for slug := range r.defs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
