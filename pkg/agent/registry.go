package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateAgent is returned when registering an adapter whose name is
// already taken.
var ErrDuplicateAgent = errors.New("agent already registered")

// HealthStatus is the cached outcome of an adapter health check.
type HealthStatus struct {
	Name           string    `json:"name"`
	Healthy        bool      `json:"healthy"`
	LastCheck      time.Time `json:"lastCheck"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Registry holds the pool of registered adapters and routes tasks to them.
// Routing resolves an exact name match first, then the first adapter (in
// insertion order) whose capability list contains the key.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	health   map[string]HealthStatus
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		health:   make(map[string]HealthStatus),
	}
}

// Add registers an adapter. Duplicate names are rejected.
func (r *Registry) Add(a Adapter) error {
	name := a.Info().Name
	if name == "" {
		return errors.New("adapter name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Pick resolves a routing key to an adapter: exact name match, then first
// capability match in insertion order. Returns nil if nothing matches.
func (r *Registry) Pick(key string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.adapters[key]; ok {
		return a
	}
	for _, name := range r.order {
		for _, cap := range r.adapters[name].Info().Capabilities {
			if cap == key {
				return r.adapters[name]
			}
		}
	}
	return nil
}

// First returns the first registered adapter, or nil if the registry is
// empty. Used as the dispatch fallback when a task's routing hint does not
// resolve.
func (r *Registry) First() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	return r.adapters[r.order[0]]
}

// List returns adapter metadata in insertion order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.adapters[name].Info())
	}
	return infos
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CheckAllHealth probes every adapter in parallel and caches the outcome.
// Adapters without a HealthCheck are reported healthy.
func (r *Registry) CheckAllHealth(ctx context.Context) []HealthStatus {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make([]Adapter, len(names))
	for i, name := range names {
		adapters[i] = r.adapters[name]
	}
	r.mu.RUnlock()

	results := make([]HealthStatus, len(names))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			results[i] = checkOne(ctx, a)
		}(i, a)
	}
	wg.Wait()

	r.mu.Lock()
	for _, st := range results {
		r.health[st.Name] = st
	}
	r.mu.Unlock()

	return results
}

// Health returns the cached health snapshot for an adapter.
func (r *Registry) Health(name string) (HealthStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.health[name]
	return st, ok
}

func checkOne(ctx context.Context, a Adapter) HealthStatus {
	st := HealthStatus{Name: a.Info().Name, LastCheck: time.Now()}

	hc, ok := a.(HealthChecker)
	if !ok {
		st.Healthy = true
		return st
	}

	start := time.Now()
	err := hc.HealthCheck(ctx)
	st.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
