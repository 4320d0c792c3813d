// Package flags provides the feature-flag contract used to gate resilience
// behavior at runtime. The backing store is external to this core; the static
// provider covers process-local defaults and tests.
package flags

import (
	"sync"
)

// Well-known flag names
const (
	// CircuitBreakersEnabled gates all breaker logic; when off, calls pass
	// straight through to the protected operation
	CircuitBreakersEnabled = "circuit_breakers_enabled"
	// AdaptiveBreakersEnabled gates the adaptive breaker variant; when off,
	// endpoints configured as adaptive are downgraded to fixed
	AdaptiveBreakersEnabled = "adaptive_breakers_enabled"
)

// Provider is the feature-flag contract consumed by the resilience core
type Provider interface {
	// IsEnabled reports whether the named flag is on
	IsEnabled(name string) bool
	// ProviderPriorityOverride returns an operator-configured provider
	// ordering, or nil when no override is set
	ProviderPriorityOverride() []string
}

// StaticProvider is an in-memory flag provider
type StaticProvider struct {
	mu       sync.RWMutex
	flags    map[string]bool
	priority []string
}

// NewStaticProvider creates a static flag provider with the given defaults
func NewStaticProvider(defaults map[string]bool) *StaticProvider {
	flags := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		flags[k] = v
	}
	return &StaticProvider{flags: flags}
}

// IsEnabled reports whether the named flag is on. Unknown flags are off.
func (p *StaticProvider) IsEnabled(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flags[name]
}

// Set updates a flag at runtime
func (p *StaticProvider) Set(name string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags[name] = enabled
}

// ProviderPriorityOverride returns the configured provider ordering
func (p *StaticProvider) ProviderPriorityOverride() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.priority) == 0 {
		return nil
	}
	out := make([]string, len(p.priority))
	copy(out, p.priority)
	return out
}

// SetPriorityOverride replaces the provider ordering override
func (p *StaticProvider) SetPriorityOverride(providers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = make([]string, len(providers))
	copy(p.priority, providers)
}
