package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/pkg/config"
	apperrors "github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/provider"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, &config.CacheConfig{
		DefaultTTL: time.Hour,
		ResultTTL:  time.Hour,
		Enabled:    true,
	})
	return svc, store
}

func TestKey_Deterministic(t *testing.T) {
	options := map[string]interface{}{"depth": 3, "mode": "full"}

	first := Key("content", provider.TaskMalwareAnalysis, "claude", options)
	second := Key("content", provider.TaskMalwareAnalysis, "claude", map[string]interface{}{
		"mode": "full", "depth": 3,
	})
	assert.Equal(t, first, second)
}

func TestKey_VariesByInput(t *testing.T) {
	base := Key("content", provider.TaskMalwareAnalysis, "claude", nil)

	assert.NotEqual(t, base, Key("other content", provider.TaskMalwareAnalysis, "claude", nil))
	assert.NotEqual(t, base, Key("content", provider.TaskThreatIntelligence, "claude", nil))
	assert.NotEqual(t, base, Key("content", provider.TaskMalwareAnalysis, "openai", nil))
	assert.NotEqual(t, base, Key("content", provider.TaskMalwareAnalysis, "claude",
		map[string]interface{}{"depth": 1}))
}

func TestService_RoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	result := &provider.AnalysisResult{
		ID:         "r1",
		Verdict:    provider.VerdictMalicious,
		Confidence: 0.92,
		Threats:    []string{"trojan.generic"},
		Details:    "packed executable with network beaconing",
	}
	require.NoError(t, svc.SetResult(ctx, "sample", provider.TaskMalwareAnalysis, "claude", nil, result))

	got, err := svc.GetResult(ctx, "sample", provider.TaskMalwareAnalysis, "claude", nil)
	require.NoError(t, err)
	assert.Equal(t, result.Verdict, got.Verdict)
	assert.Equal(t, result.Confidence, got.Confidence)
	assert.Equal(t, result.Threats, got.Threats)
	assert.Equal(t, true, got.Metadata["cached"])
}

func TestService_MissReturnsNotFound(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.GetResult(context.Background(), "never stored", provider.TaskGeneralAnalysis, "claude", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestService_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	current := time.Now()
	store.now = func() time.Time { return current }

	svc := NewService(store, &config.CacheConfig{
		ResultTTL: time.Minute,
		Enabled:   true,
	})
	ctx := context.Background()

	result := &provider.AnalysisResult{ID: "r1", Verdict: provider.VerdictBenign}
	require.NoError(t, svc.SetResult(ctx, "sample", provider.TaskGeneralAnalysis, "claude", nil, result))

	_, err := svc.GetResult(ctx, "sample", provider.TaskGeneralAnalysis, "claude", nil)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = svc.GetResult(ctx, "sample", provider.TaskGeneralAnalysis, "claude", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestService_ClearByTag(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	result := &provider.AnalysisResult{ID: "r1", Verdict: provider.VerdictBenign}
	require.NoError(t, svc.SetResult(ctx, "a", provider.TaskMalwareAnalysis, "claude", nil, result))
	require.NoError(t, svc.SetResult(ctx, "b", provider.TaskMalwareAnalysis, "openai", nil, result))
	require.NoError(t, svc.SetResult(ctx, "c", provider.TaskThreatIntelligence, "claude", nil, result))

	count, err := svc.InvalidateTask(ctx, provider.TaskMalwareAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = svc.GetResult(ctx, "a", provider.TaskMalwareAnalysis, "claude", nil)
	assert.True(t, apperrors.IsNotFound(err))

	// The other task type survives
	_, err = svc.GetResult(ctx, "c", provider.TaskThreatIntelligence, "claude", nil)
	assert.NoError(t, err)
}

func TestService_InvalidateScope(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	result := &provider.AnalysisResult{ID: "r1", Verdict: provider.VerdictBenign}
	require.NoError(t, svc.SetResult(ctx, "a", provider.TaskGeneralAnalysis, "claude", nil, result))
	require.NoError(t, svc.SetResult(ctx, "b", provider.TaskGeneralAnalysis, "openai", nil, result))

	count, err := svc.InvalidateScope(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = svc.GetResult(ctx, "b", provider.TaskGeneralAnalysis, "openai", nil)
	assert.NoError(t, err)
}

func TestService_DisabledCache(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &config.CacheConfig{Enabled: false})
	ctx := context.Background()

	result := &provider.AnalysisResult{ID: "r1", Verdict: provider.VerdictBenign}
	require.NoError(t, svc.SetResult(ctx, "a", provider.TaskGeneralAnalysis, "claude", nil, result))

	_, err := svc.GetResult(ctx, "a", provider.TaskGeneralAnalysis, "claude", nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryStore_MGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", "v1", time.Hour, nil))
	require.NoError(t, store.Set(ctx, "k2", "v2", time.Hour, nil))

	values, err := store.MGet(ctx, []string{"k1", "k2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, values)
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", "v1", time.Hour, nil))
	ttl, err := store.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}
