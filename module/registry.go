package module

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver maps a module identifier to an implementation. Resolution may
// be expensive (dynamic lookup, remote definition), which is why the
// Registry caches its results.
type Resolver interface {
	Lookup(id string) (Module, error)
}

// MapResolver is a Resolver over a static set of modules.
type MapResolver map[string]Module

// Lookup implements Resolver.
func (m MapResolver) Lookup(id string) (Module, error) {
	mod, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, id)
	}
	return mod, nil
}

// Names returns the registered module identifiers, sorted.
func (m MapResolver) Names() []string {
	names := make([]string, 0, len(m))
	for id := range m {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Registry resolves module identifiers through a Resolver, memoizing
// results in a bounded LRU cache. Updates and deletes must call
// Invalidate so the next resolve sees the new implementation.
type Registry struct {
	resolver Resolver
	cache    *lru.Cache[string, Module]
}

// DefaultCacheSize bounds the registry cache when no size is given.
const DefaultCacheSize = 128

// NewRegistry creates a Registry over the given resolver. size <= 0 uses
// DefaultCacheSize.
func NewRegistry(resolver Resolver, size int) (*Registry, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Module](size)
	if err != nil {
		return nil, fmt.Errorf("registry cache: %w", err)
	}
	return &Registry{resolver: resolver, cache: cache}, nil
}

// Resolve returns the implementation for id, from cache when present.
func (r *Registry) Resolve(id string) (Module, error) {
	if mod, ok := r.cache.Get(id); ok {
		return mod, nil
	}
	mod, err := r.resolver.Lookup(id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, mod)
	return mod, nil
}

// Invalidate evicts a cached module, forcing the next Resolve to hit the
// resolver. Call it when a module is updated or deleted.
func (r *Registry) Invalidate(id string) {
	r.cache.Remove(id)
}
