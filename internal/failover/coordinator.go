package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelsec/aegis/internal/cache"
	"github.com/sentinelsec/aegis/internal/orchestrator"
	"github.com/sentinelsec/aegis/pkg/breaker"
	"github.com/sentinelsec/aegis/pkg/bulkhead"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/flags"
	"github.com/sentinelsec/aegis/pkg/logging"
	"github.com/sentinelsec/aegis/pkg/metrics"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// cacheScope namespaces failover cache entries away from other callers
const cacheScope = "failover"

// Coordinator routes each analysis to the healthiest available provider,
// falling through the remaining candidates on failure. Candidate order is
// health first, then the operator priority override, then static order.
type Coordinator struct {
	registry *orchestrator.Registry
	breakers *breaker.Factory
	limiter  *bulkhead.Limiter
	cache    *cache.Service
	flags    flags.Provider
	config   *config.FailoverConfig
	metrics  *metrics.Metrics
	logger   *logging.Logger
	health   *healthTracker

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// NewCoordinator creates a failover coordinator. The cache service and flag
// provider may be nil; probing does not start until Start is called.
func NewCoordinator(
	registry *orchestrator.Registry,
	breakers *breaker.Factory,
	limiter *bulkhead.Limiter,
	cacheService *cache.Service,
	flagProvider flags.Provider,
	cfg *config.FailoverConfig,
	m *metrics.Metrics,
) *Coordinator {
	if cfg == nil {
		cfg = &config.FailoverConfig{
			ProbeInterval:      30 * time.Second,
			ProbeTimeout:       10 * time.Second,
			UnhealthyThreshold: 3,
			RecoveryDelay:      60 * time.Second,
		}
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Coordinator{
		registry: registry,
		breakers: breakers,
		limiter:  limiter,
		cache:    cacheService,
		flags:    flagProvider,
		config:   cfg,
		metrics:  m,
		logger:   logging.GetLogger(),
		health:   newHealthTracker(cfg.UnhealthyThreshold, cfg.RecoveryDelay),
	}
}

// Start launches the background health probe loop. Calling Start on a
// running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.ProbeInterval)
		defer ticker.Stop()
		c.probeAll(ctx)
		for {
			select {
			case <-ticker.C:
				c.probeAll(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()
	<-done
}

// probeAll checks every registered provider's status once. Unhealthy
// providers are skipped until their recovery delay has elapsed.
func (c *Coordinator) probeAll(ctx context.Context) {
	for _, name := range c.registry.Names() {
		if !c.health.ProbeDue(name) {
			continue
		}
		c.probe(ctx, name)
	}
}

func (c *Coordinator) probe(ctx context.Context, name string) {
	p, err := c.registry.Get(name)
	if err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	status, err := p.Status(probeCtx)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		c.health.RecordFailure(name, err)
	case !status.Available || !status.Healthy:
		c.health.RecordFailure(name, fmt.Errorf("provider reported unavailable: %s", status.Message))
	default:
		c.health.RecordSuccess(name, elapsed)
	}
}

// Health returns a snapshot of every provider health record
func (c *Coordinator) Health() map[string]HealthRecord {
	return c.health.Snapshot()
}

// candidates returns every registered provider in failover order. The
// priority override (runtime first, else configured) reorders its entries
// to the front; registered providers it does not name keep their
// registration order behind it. A stable sort then moves healthier
// providers ahead.
func (c *Coordinator) candidates() []string {
	registered := c.registry.Names()

	var override []string
	if c.flags != nil {
		override = c.flags.ProviderPriorityOverride()
	}
	if len(override) == 0 {
		override = c.config.PriorityOverride
	}

	known := make(map[string]struct{}, len(registered))
	for _, name := range registered {
		known[name] = struct{}{}
	}

	ordered := make([]string, 0, len(registered))
	seen := make(map[string]struct{}, len(registered))
	for _, name := range override {
		if _, ok := known[name]; ok {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				ordered = append(ordered, name)
			}
		}
	}
	for _, name := range registered {
		if _, ok := seen[name]; !ok {
			ordered = append(ordered, name)
		}
	}

	// Stable insertion sort: base order breaks health ties
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && rank(c.health.StatusOf(ordered[j])) < rank(c.health.StatusOf(ordered[j-1])); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

// AnalyzeWithFailover runs one analysis against the candidates in order,
// returning the first success. Cached results are served before any
// provider is tried.
func (c *Coordinator) AnalyzeWithFailover(ctx context.Context, req *provider.AnalysisRequest) (*provider.AnalysisResult, error) {
	if req == nil {
		return nil, errors.NewValidationError("request cannot be nil")
	}
	task := orchestrator.Classify(req)

	if c.cache != nil && c.cache.Enabled() {
		if cached, err := c.cache.GetResult(ctx, req.Content, task, cacheScope, req.Options); err == nil {
			c.metrics.ObserveCacheLookup(string(task), true)
			return cached, nil
		}
		c.metrics.ObserveCacheLookup(string(task), false)
	}

	names := c.candidates()
	if len(names) == 0 {
		return nil, errors.NewExhaustedError("no failover candidates available", nil)
	}

	var lastErr error
	for attempt, name := range names {
		result, err := c.call(ctx, name, task, req)
		if err == nil {
			c.metrics.ObserveFailoverAttempt(name, "success")
			if result.Metadata == nil {
				result.Metadata = make(map[string]interface{})
			}
			result.Metadata["failover_provider"] = name
			result.Metadata["failover_attempts"] = attempt + 1

			if c.cache != nil {
				if cacheErr := c.cache.SetResult(ctx, req.Content, task, cacheScope, req.Options, result); cacheErr != nil {
					c.logger.WithContext(ctx).WithField("error", cacheErr.Error()).
						Warn("Failed to cache analysis result")
				}
			}
			return result, nil
		}

		lastErr = err
		c.metrics.ObserveFailoverAttempt(name, "failure")
		c.logger.WithContext(ctx).
			WithField("provider", name).
			WithField("attempt", attempt+1).
			WithField("error", err.Error()).
			Warn("Failover candidate failed, trying next")
	}
	return nil, errors.NewExhaustedError(
		fmt.Sprintf("all %d failover candidates failed", len(names)), lastErr)
}

// StreamWithFailover streams one analysis from the first candidate that can
// serve it. Every chunk is tagged with the provider actually serving the
// stream so consumers can attribute mid-stream switches. Streaming bypasses
// the response cache.
func (c *Coordinator) StreamWithFailover(ctx context.Context, req *provider.AnalysisRequest, handler func(provider.StreamChunk)) (*provider.AnalysisResult, error) {
	if req == nil {
		return nil, errors.NewValidationError("request cannot be nil")
	}
	task := orchestrator.Classify(req)

	names := c.candidates()
	if len(names) == 0 {
		return nil, errors.NewExhaustedError("no failover candidates available", nil)
	}

	var lastErr error
	for _, name := range names {
		p, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		sp, ok := p.(provider.StreamingProvider)
		if !ok {
			continue
		}

		name := name
		tagged := func(chunk provider.StreamChunk) {
			chunk.Provider = name
			handler(chunk)
		}

		start := time.Now()
		result, err := c.limiter.RunLimited(ctx, name, func(ctx context.Context) (interface{}, error) {
			return c.breakers.Execute(ctx, breakerKey(name, task), func(ctx context.Context) (interface{}, error) {
				return sp.Stream(ctx, req, tagged)
			})
		})
		if err == nil {
			c.health.RecordSuccess(name, time.Since(start))
			c.metrics.ObserveFailoverAttempt(name, "success")
			return result.(*provider.AnalysisResult), nil
		}

		lastErr = err
		c.health.RecordFailure(name, err)
		c.metrics.ObserveFailoverAttempt(name, "failure")
	}
	if lastErr == nil {
		return nil, errors.NewExhaustedError("no failover candidate supports streaming", nil)
	}
	return nil, errors.NewExhaustedError("all streaming candidates failed", lastErr)
}

// call runs one provider attempt inside its bulkhead and dedicated breaker,
// folding the outcome into the provider's health record
func (c *Coordinator) call(ctx context.Context, name string, task provider.TaskType, req *provider.AnalysisRequest) (*provider.AnalysisResult, error) {
	p, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.limiter.RunLimited(ctx, name, func(ctx context.Context) (interface{}, error) {
		return c.breakers.Execute(ctx, breakerKey(name, task), func(ctx context.Context) (interface{}, error) {
			return p.Analyze(ctx, req)
		})
	})
	elapsed := time.Since(start)
	c.metrics.ObserveProviderCall(name, string(task), elapsed, err)

	if err != nil {
		c.health.RecordFailure(name, err)
		return nil, err
	}
	c.health.RecordSuccess(name, elapsed)
	return result.(*provider.AnalysisResult), nil
}

// breakerKey is the stable per-provider-and-task circuit breaker key
func breakerKey(name string, task provider.TaskType) string {
	return name + ":" + string(task)
}
