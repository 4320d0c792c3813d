package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// registration pairs a provider client with its static capabilities and a
// live in-flight counter used for load-aware scoring
type registration struct {
	provider provider.Provider
	caps     provider.Capabilities
	inFlight int64
}

// Registry holds the known providers in stable registration order. Ties in
// scoring resolve to the earlier-registered provider.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]*registration
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*registration),
	}
}

// Register adds a provider with its capability metadata
func (r *Registry) Register(p provider.Provider, caps provider.Capabilities) error {
	if p == nil {
		return errors.NewValidationError("provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.NewValidationError("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return errors.NewValidationError("provider " + name + " is already registered")
	}
	r.providers[name] = &registration{provider: p, caps: caps}
	r.order = append(r.order, name)
	return nil
}

// Get returns the provider client by name
func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	if !ok {
		return nil, errors.NewNotFoundError("provider")
	}
	return reg.provider, nil
}

// Capabilities returns the static capability metadata for a provider
func (r *Registry) Capabilities(name string) (provider.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	if !ok {
		return provider.Capabilities{}, false
	}
	return reg.caps, true
}

// Names returns provider names in stable registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// acquire increments the in-flight counter for a provider; the returned
// function releases it
func (r *Registry) acquire(name string) func() {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return func() {}
	}
	atomic.AddInt64(&reg.inFlight, 1)
	return func() { atomic.AddInt64(&reg.inFlight, -1) }
}

// Load returns the current in-flight call count for a provider
func (r *Registry) Load(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&reg.inFlight)
}

// MeanLoad returns the mean in-flight load across all providers
func (r *Registry) MeanLoad() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return 0
	}
	var total int64
	for _, reg := range r.providers {
		total += atomic.LoadInt64(&reg.inFlight)
	}
	return float64(total) / float64(len(r.order))
}
