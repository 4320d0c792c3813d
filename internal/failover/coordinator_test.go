package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/internal/cache"
	"github.com/sentinelsec/aegis/internal/orchestrator"
	"github.com/sentinelsec/aegis/pkg/breaker"
	"github.com/sentinelsec/aegis/pkg/bulkhead"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/flags"
	"github.com/sentinelsec/aegis/pkg/metrics"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// stubProvider is a scriptable provider with optional streaming support
type stubProvider struct {
	name      string
	failWith  error
	verdict   provider.Verdict
	healthy   bool
	canStream bool

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Analyze(ctx context.Context, req *provider.AnalysisRequest) (*provider.AnalysisResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &provider.AnalysisResult{
		ID:         req.ID,
		Verdict:    s.verdict,
		Confidence: 0.8,
		Details:    s.name + " analysis",
		CreatedAt:  time.Now(),
	}, nil
}

func (s *stubProvider) Status(ctx context.Context) (*provider.Status, error) {
	if !s.healthy {
		return &provider.Status{Available: false, Healthy: false, Message: "maintenance"}, nil
	}
	return &provider.Status{Available: true, Healthy: true}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// streamingStub wraps stubProvider with chunked delivery
type streamingStub struct {
	stubProvider
	chunks []string
}

func (s *streamingStub) Stream(ctx context.Context, req *provider.AnalysisRequest, handler func(provider.StreamChunk)) (*provider.AnalysisResult, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	for i, content := range s.chunks {
		handler(provider.StreamChunk{Content: content, Final: i == len(s.chunks)-1})
	}
	return &provider.AnalysisResult{ID: req.ID, Verdict: s.verdict, CreatedAt: time.Now()}, nil
}

func testConfig() *config.FailoverConfig {
	return &config.FailoverConfig{
		ProbeInterval:      10 * time.Millisecond,
		ProbeTimeout:       50 * time.Millisecond,
		UnhealthyThreshold: 3,
		RecoveryDelay:      time.Minute,
	}
}

func newTestCoordinator(t *testing.T, cfg *config.FailoverConfig, cacheService *cache.Service, flagProvider flags.Provider, provs ...provider.Provider) *Coordinator {
	t.Helper()

	registry := orchestrator.NewRegistry()
	for _, p := range provs {
		require.NoError(t, registry.Register(p, provider.Capabilities{}))
	}

	factory := breaker.NewFactory(breaker.FactoryConfig{
		DefaultVariant: breaker.VariantFixed,
		Defaults: breaker.Config{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
		},
	}, nil)

	if cfg == nil {
		cfg = testConfig()
	}
	return NewCoordinator(registry, factory, bulkhead.NewLimiter(8), cacheService, flagProvider, cfg, &metrics.Metrics{})
}

func TestAnalyzeWithFailoverPrefersHealthy(t *testing.T) {
	a := &stubProvider{name: "claude", failWith: errors.NewProviderError("claude", "down")}
	b := &stubProvider{name: "openai", verdict: provider.VerdictBenign}
	c := &stubProvider{name: "deepseek", verdict: provider.VerdictBenign}

	coord := newTestCoordinator(t, nil, nil, nil, a, b, c)

	// Drive claude unhealthy through recorded failures
	for i := 0; i < 3; i++ {
		coord.health.RecordFailure("claude", errors.NewProviderError("claude", "down"))
	}

	req := provider.NewAnalysisRequest("check this payload")
	result, err := coord.AnalyzeWithFailover(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "openai", result.Metadata["failover_provider"])
	assert.Equal(t, 1, result.Metadata["failover_attempts"])
	assert.Equal(t, 0, a.callCount(), "unhealthy provider is ordered last, not first")
	assert.Equal(t, 1, b.callCount())
	assert.Equal(t, 0, c.callCount(), "failover stops at the first success")
}

func TestAnalyzeWithFailoverFallsThrough(t *testing.T) {
	a := &stubProvider{name: "claude", failWith: errors.NewProviderError("claude", "down")}
	b := &stubProvider{name: "openai", verdict: provider.VerdictSuspicious}

	coord := newTestCoordinator(t, nil, nil, nil, a, b)

	req := provider.NewAnalysisRequest("check this payload")
	result, err := coord.AnalyzeWithFailover(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, provider.VerdictSuspicious, result.Verdict)
	assert.Equal(t, 2, result.Metadata["failover_attempts"])

	// The failure was folded into claude's health record
	health := coord.Health()["claude"]
	assert.Equal(t, HealthDegraded, health.Status)
	assert.Equal(t, 1, health.ConsecutiveFailures)
}

func TestAnalyzeWithFailoverExhausted(t *testing.T) {
	a := &stubProvider{name: "claude", failWith: errors.NewProviderError("claude", "down")}
	b := &stubProvider{name: "openai", failWith: errors.NewProviderError("openai", "also down")}

	coord := newTestCoordinator(t, nil, nil, nil, a, b)

	req := provider.NewAnalysisRequest("check this payload")
	_, err := coord.AnalyzeWithFailover(context.Background(), req)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExhausted))
	appErr := err.(*errors.AppError)
	require.NotNil(t, appErr.Cause)
	assert.Contains(t, appErr.Cause.Error(), "also down")
}

func TestAnalyzeWithFailoverNoCandidates(t *testing.T) {
	coord := newTestCoordinator(t, nil, nil, nil)

	req := provider.NewAnalysisRequest("check this payload")
	_, err := coord.AnalyzeWithFailover(context.Background(), req)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExhausted))
}

func TestAnalyzeWithFailoverPriorityOverride(t *testing.T) {
	a := &stubProvider{name: "claude", verdict: provider.VerdictBenign}
	b := &stubProvider{name: "openai", verdict: provider.VerdictBenign}

	flagProvider := flags.NewStaticProvider(nil)
	flagProvider.SetPriorityOverride([]string{"openai", "claude"})

	coord := newTestCoordinator(t, nil, nil, flagProvider, a, b)

	req := provider.NewAnalysisRequest("check this payload")
	result, err := coord.AnalyzeWithFailover(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "openai", result.Metadata["failover_provider"])
	assert.Equal(t, 0, a.callCount())
}

func TestAnalyzeWithFailoverPartialOverrideKeepsUnlisted(t *testing.T) {
	a := &stubProvider{name: "claude", failWith: errors.NewProviderError("claude", "down")}
	b := &stubProvider{name: "openai", verdict: provider.VerdictBenign}

	// Override names only claude; openai must still be a candidate
	flagProvider := flags.NewStaticProvider(nil)
	flagProvider.SetPriorityOverride([]string{"claude"})

	coord := newTestCoordinator(t, nil, nil, flagProvider, a, b)

	req := provider.NewAnalysisRequest("check this payload")
	result, err := coord.AnalyzeWithFailover(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "openai", result.Metadata["failover_provider"])
	assert.Equal(t, 1, a.callCount(), "overridden provider is still tried first")
	assert.Equal(t, 2, result.Metadata["failover_attempts"])
}

func TestCandidatesOverrideReordersOnly(t *testing.T) {
	a := &stubProvider{name: "claude", verdict: provider.VerdictBenign}
	b := &stubProvider{name: "openai", verdict: provider.VerdictBenign}
	c := &stubProvider{name: "deepseek", verdict: provider.VerdictBenign}

	flagProvider := flags.NewStaticProvider(nil)
	flagProvider.SetPriorityOverride([]string{"deepseek", "unknown"})

	coord := newTestCoordinator(t, nil, nil, flagProvider, a, b, c)

	// Unknown entries are dropped; unlisted providers follow in
	// registration order
	assert.Equal(t, []string{"deepseek", "claude", "openai"}, coord.candidates())
}

func TestAnalyzeWithFailoverServesCache(t *testing.T) {
	p := &stubProvider{name: "claude", verdict: provider.VerdictBenign}
	cacheService := cache.NewService(cache.NewMemoryStore(), &config.CacheConfig{
		DefaultTTL: time.Hour,
		ResultTTL:  time.Hour,
		Enabled:    true,
	})

	coord := newTestCoordinator(t, nil, cacheService, nil, p)

	req := provider.NewAnalysisRequest("check this payload")
	first, err := coord.AnalyzeWithFailover(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount())

	second, err := coord.AnalyzeWithFailover(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, p.callCount(), "second identical request is served from cache")
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, true, second.Metadata["cached"])
}

func TestHealthTrackerTransitions(t *testing.T) {
	tracker := newHealthTracker(3, time.Minute)

	assert.Equal(t, HealthHealthy, tracker.StatusOf("claude"))

	tracker.RecordFailure("claude", errors.NewProviderError("claude", "down"))
	assert.Equal(t, HealthDegraded, tracker.StatusOf("claude"))

	tracker.RecordFailure("claude", errors.NewProviderError("claude", "down"))
	tracker.RecordFailure("claude", errors.NewProviderError("claude", "down"))
	assert.Equal(t, HealthUnhealthy, tracker.StatusOf("claude"))

	// Recovery steps down through degraded before healthy
	tracker.RecordSuccess("claude", 100*time.Millisecond)
	assert.Equal(t, HealthDegraded, tracker.StatusOf("claude"))
	tracker.RecordSuccess("claude", 100*time.Millisecond)
	assert.Equal(t, HealthHealthy, tracker.StatusOf("claude"))

	rec := tracker.Snapshot()["claude"]
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Greater(t, rec.SuccessRate, 0.0)
	assert.Equal(t, 100*time.Millisecond, rec.AvgResponseTime)
}

func TestHealthTrackerProbeDue(t *testing.T) {
	tracker := newHealthTracker(1, time.Minute)
	base := time.Now()
	tracker.now = func() time.Time { return base }

	assert.True(t, tracker.ProbeDue("claude"), "unknown providers are always probeable")

	tracker.RecordFailure("claude", errors.NewProviderError("claude", "down"))
	require.Equal(t, HealthUnhealthy, tracker.StatusOf("claude"))
	assert.False(t, tracker.ProbeDue("claude"), "unhealthy providers wait out the recovery delay")

	tracker.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.True(t, tracker.ProbeDue("claude"))
}

func TestProbeLoopUpdatesHealth(t *testing.T) {
	sick := &stubProvider{name: "claude", healthy: false}
	well := &stubProvider{name: "openai", healthy: true}

	cfg := testConfig()
	cfg.UnhealthyThreshold = 2
	coord := newTestCoordinator(t, cfg, nil, nil, sick, well)

	coord.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	coord.Stop()

	health := coord.Health()
	assert.Equal(t, HealthUnhealthy, health["claude"].Status)
	assert.Equal(t, HealthHealthy, health["openai"].Status)
	assert.Contains(t, health["claude"].LastError, "unavailable")
}

func TestStartStopIdempotent(t *testing.T) {
	coord := newTestCoordinator(t, nil, nil, nil, &stubProvider{name: "claude", healthy: true})

	coord.Start(context.Background())
	coord.Start(context.Background())
	coord.Stop()
	coord.Stop()
}

func TestStreamWithFailoverTagsChunks(t *testing.T) {
	plain := &stubProvider{name: "claude", verdict: provider.VerdictBenign}
	streamer := &streamingStub{
		stubProvider: stubProvider{name: "openai", verdict: provider.VerdictBenign},
		chunks:       []string{"part one", "part two"},
	}

	coord := newTestCoordinator(t, nil, nil, nil, plain, streamer)

	var chunks []provider.StreamChunk
	req := provider.NewAnalysisRequest("check this payload")
	result, err := coord.StreamWithFailover(context.Background(), req, func(chunk provider.StreamChunk) {
		chunks = append(chunks, chunk)
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, chunks, 2)
	// Non-streaming claude is skipped; every chunk carries the serving provider
	assert.Equal(t, "openai", chunks[0].Provider)
	assert.Equal(t, "openai", chunks[1].Provider)
	assert.True(t, chunks[1].Final)
}

func TestStreamWithFailoverNoStreamingCandidate(t *testing.T) {
	plain := &stubProvider{name: "claude", verdict: provider.VerdictBenign}
	coord := newTestCoordinator(t, nil, nil, nil, plain)

	req := provider.NewAnalysisRequest("check this payload")
	_, err := coord.StreamWithFailover(context.Background(), req, func(provider.StreamChunk) {})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExhausted))
}
