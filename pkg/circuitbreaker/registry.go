package circuitbreaker

import (
	"maps"
	"slices"
	"sync"
)

// Registry hands out one breaker per key, creating each lazily on first
// use. All breakers share the registry's config.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Breaker
	cfg   Config
}

// NewRegistry builds an empty registry whose breakers will use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		byKey: make(map[string]*Breaker),
		cfg:   cfg,
	}
}

// Get returns the breaker for key, creating it if this is the first call.
// Every caller passing the same key sees the same breaker.
func (r *Registry) Get(key string) *Breaker {
	// Fast path: after warmup the breaker almost always exists.
	r.mu.RLock()
	b, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have created it between the two locks.
	if b, ok = r.byKey[key]; ok {
		return b
	}
	b = New(r.cfg)
	r.byKey[key] = b
	return b
}

// Stats is a point-in-time census of the registry's breakers.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats counts the registered breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.byKey)}
	for _, b := range r.byKey {
		switch b.State() {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		case Closed:
			s.Closed++
		}
	}
	return s
}

// Reset forces every registered breaker closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.byKey {
		b.Reset()
	}
}

// Remove drops the breaker for key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

// Keys lists the registered keys in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Keys(r.byKey))
}
