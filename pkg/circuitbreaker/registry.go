package circuitbreaker

import (
	"sync"
)

// Registry manages one breaker per key. Breakers are created lazily on first
// use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     Options
}

// NewRegistry creates a registry whose breakers share the given options.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Do runs fn under the breaker for key.
func (r *Registry) Do(key string, fn func() error) error {
	return r.get(key).Do(fn)
}

func (r *Registry) get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, exists = r.breakers[key]; exists {
		return b
	}
	b = New(r.opts)
	r.breakers[key] = b
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	HalfOpen int `json:"halfOpen"`
	Closed   int `json:"closed"`
}

// Stats counts breakers per state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Reset closes every breaker in the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
