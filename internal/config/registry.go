package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// ErrProviderNotRegistered is returned by [Registry.CreateExtractor] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ExtractorFactory builds an extractor from its configuration entry.
type ExtractorFactory func(ProviderEntry) (extract.Extractor, error)

// Registry maps extraction provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	extractor map[string]ExtractorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{extractor: make(map[string]ExtractorFactory)}
}

// RegisterExtractor registers an extraction provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterExtractor(name string, factory ExtractorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractor[name] = factory
}

// CreateExtractor instantiates an extractor using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateExtractor(entry ProviderEntry) (extract.Extractor, error) {
	r.mu.RLock()
	factory, ok := r.extractor[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: extractor/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.extractor))
	for n := range r.extractor {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
