package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	upstream map[string]func(ProviderEntry) (upstream.Provider, error)
	vad      map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		upstream: make(map[string]func(ProviderEntry) (upstream.Provider, error)),
		vad:      make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterUpstream registers an upstream provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterUpstream(name string, factory func(ProviderEntry) (upstream.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateUpstream instantiates an upstream provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateUpstream(entry ProviderEntry) (upstream.Provider, error) {
	r.mu.RLock()
	factory, ok := r.upstream[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upstream/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
