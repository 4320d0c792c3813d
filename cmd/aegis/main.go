package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinelsec/aegis/internal/api"
	"github.com/sentinelsec/aegis/internal/cache"
	"github.com/sentinelsec/aegis/internal/failover"
	"github.com/sentinelsec/aegis/internal/orchestrator"
	"github.com/sentinelsec/aegis/internal/providers"
	"github.com/sentinelsec/aegis/internal/safety"
	"github.com/sentinelsec/aegis/pkg/breaker"
	"github.com/sentinelsec/aegis/pkg/bulkhead"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/flags"
	"github.com/sentinelsec/aegis/pkg/logging"
	"github.com/sentinelsec/aegis/pkg/metrics"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// version is stamped at build time via -ldflags
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aegis: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "aegis",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache: Redis when reachable, in-memory otherwise so the service
	// still starts in degraded environments
	var store cache.Store
	redisStore, err := cache.NewRedisStore(&cfg.Redis)
	if err == nil {
		if err := redisStore.Health(ctx); err == nil {
			store = redisStore
			defer redisStore.Close()
		} else {
			logger.Warn("Redis unreachable, using in-memory cache", "error", err.Error())
		}
	} else {
		logger.Warn("Redis configuration rejected, using in-memory cache", "error", err.Error())
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}
	cacheService := cache.NewService(store, &cfg.Cache)

	flagProvider := flags.NewStaticProvider(map[string]bool{
		flags.CircuitBreakersEnabled:  cfg.Flags.CircuitBreakersEnabled,
		flags.AdaptiveBreakersEnabled: cfg.Flags.AdaptiveBreakersEnabled,
	})
	flagProvider.SetPriorityOverride(cfg.Failover.PriorityOverride)

	factory := breaker.NewFactory(breaker.FactoryConfig{
		DefaultVariant: breaker.Variant(cfg.Breakers.DefaultVariant),
		Defaults: breaker.Config{
			FailureThreshold: cfg.Breakers.FailureThreshold,
			SuccessThreshold: cfg.Breakers.SuccessThreshold,
			HalfOpenRequests: cfg.Breakers.HalfOpenRequests,
			ResetTimeout:     cfg.Breakers.ResetTimeout,
			MaxBackoff:       cfg.Breakers.MaxBackoff,
			BackoffCurve:     breaker.BackoffCurve(cfg.Breakers.BackoffCurve),
			TargetLatency:    cfg.Breakers.TargetLatency,
			LatencyFactor:    cfg.Breakers.LatencyFactor,
			MinRequestVolume: cfg.Breakers.MinRequestVolume,
			WindowSize:       cfg.Breakers.WindowSize,
			OnStateChange: func(name string, from, to breaker.State) {
				m.ObserveBreakerTransition(name, from.String(), to.String())
			},
		},
	}, flagProvider)

	registry := orchestrator.NewRegistry()
	if err := registerProviders(registry, &cfg.Providers); err != nil {
		return err
	}

	limiter := bulkhead.NewLimiter(cfg.Orchestrator.MaxConcurrent)

	orch := orchestrator.NewOrchestrator(
		registry,
		factory,
		limiter,
		safety.NewRulePreprocessor(),
		orchestrator.DefaultRoutingTable(),
		&cfg.Orchestrator,
		m,
	)

	coordinator := failover.NewCoordinator(registry, factory, limiter, cacheService, flagProvider, &cfg.Failover, m)
	coordinator.Start(ctx)
	defer coordinator.Stop()

	server := api.NewServer(&cfg.Server, orch, coordinator, registry, factory, cacheService, m)

	logger.Info("Starting aegis",
		"version", version,
		"providers", registry.Names(),
		"breaker_variant", cfg.Breakers.DefaultVariant,
		"default_strategy", cfg.Orchestrator.DefaultStrategy,
	)
	return server.Start(ctx)
}

// registerProviders wires the three upstream clients with their static
// capability metadata
func registerProviders(registry *orchestrator.Registry, cfg *config.ProvidersConfig) error {
	capabilities := provider.DefaultCapabilities()

	endpoints := map[string]config.ProviderConfig{
		provider.ProviderClaude:   cfg.Claude,
		provider.ProviderOpenAI:   cfg.OpenAI,
		provider.ProviderDeepSeek: cfg.DeepSeek,
	}

	for _, name := range []string{provider.ProviderClaude, provider.ProviderOpenAI, provider.ProviderDeepSeek} {
		endpoint := endpoints[name]
		client, err := providers.New(providers.Config{
			Name:    name,
			BaseURL: endpoint.BaseURL,
			APIKey:  endpoint.APIKey,
			Model:   endpoint.Model,
			Timeout: endpoint.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to build %s client: %w", name, err)
		}
		if err := registry.Register(client, capabilities[name]); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}
