package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentinelsec/aegis/internal/failover"
	"github.com/sentinelsec/aegis/internal/orchestrator"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// analyzeRequest is the analysis submission body
type analyzeRequest struct {
	Content      string                 `json:"content" binding:"required"`
	AnalysisType provider.TaskType      `json:"analysis_type,omitempty"`
	Priority     provider.Priority      `json:"priority,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`

	// Strategy overrides the configured default orchestration strategy
	Strategy *strategyOverride `json:"strategy,omitempty"`
	// UseFailover routes through the health-aware failover coordinator
	// instead of the strategy orchestrator
	UseFailover bool `json:"use_failover,omitempty"`
}

type strategyOverride struct {
	Type               string   `json:"type"`
	Providers          []string `json:"providers,omitempty"`
	ConsensusThreshold float64  `json:"consensus_threshold,omitempty"`
	TimeoutMs          int64    `json:"timeout_ms,omitempty"`
}

func (r *analyzeRequest) toAnalysisRequest() *provider.AnalysisRequest {
	req := provider.NewAnalysisRequest(r.Content)
	req.AnalysisType = r.AnalysisType
	if r.Priority != "" {
		req.Priority = r.Priority
	}
	req.Metadata = r.Metadata
	req.Options = r.Options
	return req
}

func (r *strategyOverride) toStrategy() *orchestrator.Strategy {
	if r == nil {
		return nil
	}
	return &orchestrator.Strategy{
		Type:               orchestrator.StrategyType(r.Type),
		Providers:          r.Providers,
		ConsensusThreshold: r.ConsensusThreshold,
		Timeout:            time.Duration(r.TimeoutMs) * time.Millisecond,
	}
}

// analyze handles POST /api/v1/analyze
func (s *Server) analyze(c *gin.Context) {
	var body analyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, errors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	req := body.toAnalysisRequest()
	ctx := c.Request.Context()

	var result *provider.AnalysisResult
	var err error
	if body.UseFailover {
		result, err = s.coordinator.AnalyzeWithFailover(ctx, req)
	} else {
		result, err = s.orchestrator.Analyze(ctx, req, body.Strategy.toStrategy())
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// analyzeStream handles POST /api/v1/analyze/stream, delivering chunks as
// newline-delimited JSON through the failover coordinator
func (s *Server) analyzeStream(c *gin.Context) {
	var body analyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, errors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	req := body.toAnalysisRequest()
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	encode := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		c.Writer.Write(append(data, '\n'))
		if flusher != nil {
			flusher.Flush()
		}
	}

	result, err := s.coordinator.StreamWithFailover(c.Request.Context(), req, func(chunk provider.StreamChunk) {
		encode(chunk)
	})
	if err != nil {
		encode(gin.H{"error": err.Error()})
		return
	}
	encode(gin.H{"result": result})
}

// providerStatusEntry is one row of the provider status response
type providerStatusEntry struct {
	Status       *provider.Status       `json:"status"`
	Capabilities provider.Capabilities  `json:"capabilities"`
	Health       *failover.HealthRecord `json:"health,omitempty"`
}

// providerStatus handles GET /api/v1/providers/status
func (s *Server) providerStatus(c *gin.Context) {
	ctx := c.Request.Context()
	health := s.coordinator.Health()

	out := make(map[string]providerStatusEntry)
	for _, name := range s.registry.Names() {
		p, err := s.registry.Get(name)
		if err != nil {
			continue
		}

		status, err := p.Status(ctx)
		if err != nil {
			status = &provider.Status{Available: false, Healthy: false, Message: err.Error()}
		}

		entry := providerStatusEntry{Status: status}
		if caps, ok := s.registry.Capabilities(name); ok {
			entry.Capabilities = caps
		}
		if rec, ok := health[name]; ok {
			entry.Health = &rec
		}
		out[name] = entry
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// breakerStatus handles GET /api/v1/breakers
func (s *Server) breakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"summary":  s.breakers.GetHealthSummary(),
		"breakers": s.breakers.GetAllStats(),
	})
}

// breakerReset handles POST /api/v1/breakers/reset. An optional endpoint
// query parameter resets a single breaker.
func (s *Server) breakerReset(c *gin.Context) {
	if endpoint := c.Query("endpoint"); endpoint != "" {
		s.breakers.Reset(endpoint)
		c.JSON(http.StatusOK, gin.H{"reset": endpoint})
		return
	}
	s.breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"reset": "all"})
}

// health handles GET /api/v1/health. Unhealthy dependencies degrade the
// overall status; an open breaker alone only marks it degraded.
func (s *Server) health(c *gin.Context) {
	overall := "healthy"

	summary := s.breakers.GetHealthSummary()
	if summary.Open > 0 {
		overall = "degraded"
	}

	providerHealth := s.coordinator.Health()
	healthyProviders := 0
	for _, rec := range providerHealth {
		if rec.Status != failover.HealthUnhealthy {
			healthyProviders++
		}
	}
	if len(providerHealth) > 0 && healthyProviders == 0 {
		overall = "unhealthy"
	}

	cacheStatus := "disabled"
	if s.cache != nil && s.cache.Enabled() {
		cacheStatus = "enabled"
		if err := s.cache.Health(c.Request.Context()); err != nil {
			cacheStatus = "unreachable"
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"breakers":  summary,
		"providers": providerHealth,
		"cache":     cacheStatus,
		"timestamp": time.Now().UTC(),
	})
}

// invalidateCache handles DELETE /api/v1/cache. Optional task or scope
// query parameters narrow the invalidation.
func (s *Server) invalidateCache(c *gin.Context) {
	if s.cache == nil {
		s.respondError(c, errors.NewValidationError("cache is not configured"))
		return
	}

	ctx := c.Request.Context()
	var removed int
	var err error
	switch {
	case c.Query("task") != "":
		removed, err = s.cache.InvalidateTask(ctx, provider.TaskType(c.Query("task")))
	case c.Query("scope") != "":
		removed, err = s.cache.InvalidateScope(ctx, c.Query("scope"))
	default:
		removed, err = s.cache.InvalidateAll(ctx)
	}
	if err != nil {
		s.respondError(c, errors.NewInternalError("cache invalidation failed").WithCause(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
