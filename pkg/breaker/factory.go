package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/sentinelsec/aegis/pkg/flags"
	"github.com/sentinelsec/aegis/pkg/logging"
)

// Variant selects the concrete breaker strategy for an endpoint
type Variant string

const (
	VariantFixed    Variant = "fixed"
	VariantAdaptive Variant = "adaptive"
)

// FactoryConfig holds factory-wide defaults and per-endpoint overrides
type FactoryConfig struct {
	// DefaultVariant is used when an endpoint has no explicit override
	DefaultVariant Variant
	// Defaults are the breaker settings applied to every new endpoint
	Defaults Config
	// EndpointVariants maps endpoint names to an explicit variant override
	EndpointVariants map[string]Variant
	// EndpointConfigs maps endpoint names to explicit settings overrides
	EndpointConfigs map[string]Config
}

// HealthSummary aggregates breaker states for operational consumers
type HealthSummary struct {
	Total     int      `json:"total"`
	Closed    int      `json:"closed"`
	Open      int      `json:"open"`
	HalfOpen  int      `json:"half_open"`
	Unhealthy []string `json:"unhealthy,omitempty"`
}

// Factory lazily creates and caches one breaker per named endpoint. The
// variant is resolved from an explicit per-endpoint override, else the
// global default, downgraded to fixed when the adaptive feature flag is off.
type Factory struct {
	mu       sync.RWMutex
	breakers map[string]Breaker
	config   FactoryConfig
	flags    flags.Provider
	logger   *logging.Logger
}

// NewFactory creates a breaker factory
func NewFactory(cfg FactoryConfig, flagProvider flags.Provider) *Factory {
	if cfg.DefaultVariant == "" {
		cfg.DefaultVariant = VariantAdaptive
	}
	return &Factory{
		breakers: make(map[string]Breaker),
		config:   cfg,
		flags:    flagProvider,
		logger:   logging.GetLogger(),
	}
}

// Get returns the breaker for the endpoint, creating it on first use
func (f *Factory) Get(endpoint string) Breaker {
	f.mu.RLock()
	if b, ok := f.breakers[endpoint]; ok {
		f.mu.RUnlock()
		return b
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[endpoint]; ok {
		return b
	}

	b := f.build(endpoint)
	f.breakers[endpoint] = b
	return b
}

// build resolves variant and settings for a new endpoint.
// Callers must hold the write lock.
func (f *Factory) build(endpoint string) Breaker {
	cfg := f.config.Defaults
	if override, ok := f.config.EndpointConfigs[endpoint]; ok {
		cfg = override
	}
	cfg.Name = endpoint

	variant := f.config.DefaultVariant
	if v, ok := f.config.EndpointVariants[endpoint]; ok {
		variant = v
	}
	if variant == VariantAdaptive && f.flags != nil && !f.flags.IsEnabled(flags.AdaptiveBreakersEnabled) {
		variant = VariantFixed
	}

	f.logger.Debug("Creating circuit breaker",
		"endpoint", endpoint,
		"variant", string(variant),
	)

	if variant == VariantFixed {
		return NewFixedBreaker(cfg)
	}
	return NewAdaptiveBreaker(cfg)
}

// Execute runs op through the endpoint's breaker. When circuit breaking is
// disabled by feature flag the call passes straight through.
func (f *Factory) Execute(ctx context.Context, endpoint string, op Operation) (interface{}, error) {
	if f.flags != nil && !f.flags.IsEnabled(flags.CircuitBreakersEnabled) {
		return op(ctx)
	}
	return f.Get(endpoint).Execute(ctx, op)
}

// GetAllStats returns a snapshot of every cached breaker
func (f *Factory) GetAllStats() map[string]Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := make(map[string]Stats, len(f.breakers))
	for name, b := range f.breakers {
		stats[name] = b.Stats()
	}
	return stats
}

// GetHealthSummary aggregates breaker states; open endpoints are listed as unhealthy
func (f *Factory) GetHealthSummary() HealthSummary {
	f.mu.RLock()
	defer f.mu.RUnlock()

	summary := HealthSummary{Total: len(f.breakers)}
	for name, b := range f.breakers {
		switch b.State() {
		case StateClosed:
			summary.Closed++
		case StateOpen:
			summary.Open++
			summary.Unhealthy = append(summary.Unhealthy, name)
		case StateHalfOpen:
			summary.HalfOpen++
		}
	}
	sort.Strings(summary.Unhealthy)
	return summary
}

// UpdateEndpointConfig adjusts thresholds on a running breaker without
// recreating it, and records the override for breakers not yet created
func (f *Factory) UpdateEndpointConfig(endpoint string, cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.config.EndpointConfigs == nil {
		f.config.EndpointConfigs = make(map[string]Config)
	}
	cfg.Name = endpoint
	f.config.EndpointConfigs[endpoint] = cfg

	if b, ok := f.breakers[endpoint]; ok {
		b.UpdateConfig(cfg)
	}
}

// Reset resets a single endpoint's breaker
func (f *Factory) Reset(endpoint string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if b, ok := f.breakers[endpoint]; ok {
		b.Reset()
	}
}

// ResetAll resets every cached breaker
func (f *Factory) ResetAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, b := range f.breakers {
		b.Reset()
	}
}
