package model

import (
	"fmt"
	"strings"
	"sync"
)

// Resolver maps an agent's model selector ("provider:model-id") to a
// concrete Model.
type Resolver interface {
	Resolve(selector string) (Model, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(selector string) (Model, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(selector string) (Model, error) { return f(selector) }

// Registry is a Resolver backed by per-provider factories. Resolved models
// are cached by selector so repeated lookups share clients. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]func(modelID string) (Model, error)
	cache     map[string]Model
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]func(string) (Model, error){},
		cache:     map[string]Model{},
	}
}

// RegisterProvider registers a factory for the given provider prefix.
func (r *Registry) RegisterProvider(provider string, factory func(modelID string) (Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

// RegisterModel registers a ready-made model under an exact selector,
// bypassing provider factories. Useful for mocks.
func (r *Registry) RegisterModel(selector string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[selector] = m
}

// Resolve implements Resolver. Selectors have the form "provider:model-id";
// a bare model id resolves against the "default" provider if registered.
func (r *Registry) Resolve(selector string) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.cache[selector]; ok {
		return m, nil
	}

	provider, modelID := "default", selector
	if i := strings.Index(selector, ":"); i >= 0 {
		provider, modelID = selector[:i], selector[i+1:]
	}

	factory, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("no model provider registered for %q", provider)
	}

	m, err := factory(modelID)
	if err != nil {
		return nil, err
	}
	r.cache[selector] = m

	return m, nil
}
