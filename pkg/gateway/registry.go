package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	pickAttempts = 3
	pickBackoff  = 2 * time.Second
)

// Registry is a named pool of gateway clients. Pick resolves a preferred
// name or falls back through the pool in insertion order, connecting each
// candidate with retries.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	order   []string

	// backoffInterval overrides the connect retry spacing; zero means the
	// default 2 s.
	backoffInterval time.Duration
}

// NewGatewayRegistry creates an empty registry.
func NewGatewayRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers a client under its configured name. A duplicate name
// replaces the earlier client.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, exists := r.clients[name]; !exists {
		r.order = append(r.order, name)
	}
	r.clients[name] = c
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names returns gateway names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered gateways.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Pick returns a connected client: the preferred gateway when named and
// present, otherwise the first pool member that connects. Each candidate
// gets up to 3 connect attempts with a constant 2 s backoff. An empty
// registry returns ErrNoGateways; total failure returns the last
// candidate's error.
func (r *Registry) Pick(ctx context.Context, preferred string) (*Client, error) {
	r.mu.RLock()
	var candidates []*Client
	if preferred != "" {
		if c, ok := r.clients[preferred]; ok {
			candidates = []*Client{c}
		}
	}
	if candidates == nil {
		for _, name := range r.order {
			candidates = append(candidates, r.clients[name])
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoGateways
	}

	interval := r.backoffInterval
	if interval <= 0 {
		interval = pickBackoff
	}

	var lastErr error
	for _, c := range candidates {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), pickAttempts-1),
			ctx,
		)
		err := backoff.Retry(func() error { return c.Connect(ctx) }, policy)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
