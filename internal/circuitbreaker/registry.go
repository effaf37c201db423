package circuitbreaker

import "sync"

// Registry tracks breakers by name so their state can be reported. A breaker
// created later under the same name replaces the earlier one.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

var defaultRegistry = NewRegistry()

// Default returns the registry every NewCircuitBreaker joins.
func Default() *Registry { return defaultRegistry }

func (r *Registry) Register(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.Name()] = cb
}

// States snapshots the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}
