// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"log"
	"os"
	"sort"
	"sync"
)

// Registry maps provider names to their adapters. It is the only
// indirection point for adding a vendor and is safe for concurrent use.
type Registry struct {
	adapters map[string]Adapter
	logger   *log.Logger
	mu       sync.RWMutex
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger for the registry.
func WithRegistryLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		logger:   log.New(os.Stdout, "[LLM_REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter under its own Name. Registering the same
// name twice replaces the previous adapter (credential rotation swaps
// adapters in place).
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
	r.logger.Printf("Registered adapter: %s", adapter.Name())
}

// Unregister removes an adapter by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
	r.logger.Printf("Unregistered adapter: %s", name)
}

// Get retrieves an adapter by provider name. Returns
// *UnknownProviderError when no adapter is registered for it.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, &UnknownProviderError{Provider: name}
	}
	return adapter, nil
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
