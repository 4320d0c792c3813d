package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/internal/cache"
	"github.com/sentinelsec/aegis/internal/failover"
	"github.com/sentinelsec/aegis/internal/orchestrator"
	"github.com/sentinelsec/aegis/internal/safety"
	"github.com/sentinelsec/aegis/pkg/breaker"
	"github.com/sentinelsec/aegis/pkg/bulkhead"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/metrics"
	"github.com/sentinelsec/aegis/pkg/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type scriptedProvider struct {
	name     string
	verdict  provider.Verdict
	failWith error
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Analyze(ctx context.Context, req *provider.AnalysisRequest) (*provider.AnalysisResult, error) {
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

func (s *scriptedProvider) Status(ctx context.Context) (*provider.Status, error) {
	return &provider.Status{Available: true, Healthy: true}, nil
}

func newTestServer(t *testing.T, provs ...provider.Provider) *Server {
	t.Helper()

	registry := orchestrator.NewRegistry()
	for _, p := range provs {
		require.NoError(t, registry.Register(p, provider.Capabilities{
			Strengths:        []provider.Capability{provider.CapabilityReasoning},
			CostPerToken:     0.005,
			AverageLatencyMs: 2000,
		}))
	}

	factory := breaker.NewFactory(breaker.FactoryConfig{
		DefaultVariant: breaker.VariantFixed,
		Defaults: breaker.Config{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
		},
	}, nil)
	limiter := bulkhead.NewLimiter(8)
	m := &metrics.Metrics{}

	cacheService := cache.NewService(cache.NewMemoryStore(), &config.CacheConfig{
		DefaultTTL: time.Hour,
		ResultTTL:  time.Hour,
		Enabled:    true,
	})

	orch := orchestrator.NewOrchestrator(
		registry, factory, limiter,
		safety.NewRulePreprocessor(),
		orchestrator.DefaultRoutingTable(),
		&config.OrchestratorConfig{
			DefaultStrategy:    "single",
			CallTimeout:        2 * time.Second,
			ConsensusThreshold: 0.6,
			MaxConcurrent:      8,
		},
		m,
	)

	coordinator := failover.NewCoordinator(registry, factory, limiter, cacheService, nil, &config.FailoverConfig{
		ProbeInterval:      time.Minute,
		ProbeTimeout:       time.Second,
		UnhealthyThreshold: 3,
		RecoveryDelay:      time.Minute,
	}, m)

	return NewServer(
		&config.ServerConfig{Host: "127.0.0.1", Port: 0},
		orch, coordinator, registry, factory, cacheService, m,
	)
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestAnalyzeEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	w := doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{
		"content": "please review this code for issues",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result provider.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, provider.VerdictBenign, result.Verdict)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestAnalyzeEndpointStrategyOverride(t *testing.T) {
	s := newTestServer(t,
		&scriptedProvider{name: "claude", verdict: provider.VerdictMalicious},
		&scriptedProvider{name: "openai", verdict: provider.VerdictMalicious},
	)

	w := doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{
		"content": "check this payload",
		"strategy": gin.H{
			"type":      "ensemble",
			"providers": []string{"claude", "openai"},
		},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result provider.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, provider.VerdictMalicious, result.Verdict)
	assert.Equal(t, "ensemble", result.Metadata["strategy"])
}

func TestAnalyzeEndpointValidation(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	w := doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{"metadata": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeEndpointExhausted(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{
		name:     "claude",
		failWith: errors.NewProviderError("claude", "down"),
	})

	w := doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{
		"content": "check this payload",
	})

	require.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ORCHESTRATION_EXHAUSTED", body["error"]["code"])
}

func TestAnalyzeEndpointFailoverPath(t *testing.T) {
	s := newTestServer(t,
		&scriptedProvider{name: "claude", failWith: errors.NewProviderError("claude", "down")},
		&scriptedProvider{name: "openai", verdict: provider.VerdictSuspicious},
	)

	w := doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{
		"content":      "check this payload",
		"use_failover": true,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result provider.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "openai", result.Metadata["failover_provider"])
}

func TestProviderStatusEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	w := doRequest(s, http.MethodGet, "/api/v1/providers/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Providers map[string]struct {
			Status provider.Status `json:"status"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body.Providers, "claude")
	assert.True(t, body.Providers["claude"].Status.Healthy)
}

func TestBreakerEndpoints(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	// Exercise one call so a breaker exists
	doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{"content": "check this payload"})

	w := doRequest(s, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Summary breaker.HealthSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Summary.Total)

	w = doRequest(s, http.MethodPost, "/api/v1/breakers/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reset":"all"`)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	w := doRequest(s, http.MethodGet, "/api/v1/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "enabled", body["cache"])
}

func TestCacheInvalidationEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	// Populate the cache through the failover path
	doRequest(s, http.MethodPost, "/api/v1/analyze", gin.H{
		"content":      "check this payload",
		"use_failover": true,
	})

	w := doRequest(s, http.MethodDelete, "/api/v1/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body["removed"])
}

func TestCorrelationIDPassthrough(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{name: "claude", verdict: provider.VerdictBenign})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Correlation-ID", "fixed-id")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "fixed-id", w.Header().Get("X-Correlation-ID"))
}
