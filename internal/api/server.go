// Package api exposes the thin operational HTTP surface: analysis
// submission, provider status, breaker visibility and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentinelsec/aegis/internal/cache"
	"github.com/sentinelsec/aegis/internal/failover"
	"github.com/sentinelsec/aegis/internal/orchestrator"
	"github.com/sentinelsec/aegis/pkg/breaker"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/logging"
	"github.com/sentinelsec/aegis/pkg/metrics"
)

// Server is the HTTP API server
type Server struct {
	config       *config.ServerConfig
	orchestrator *orchestrator.Orchestrator
	coordinator  *failover.Coordinator
	registry     *orchestrator.Registry
	breakers     *breaker.Factory
	cache        *cache.Service
	metrics      *metrics.Metrics
	logger       *logging.Logger
	router       *gin.Engine
	httpServer   *http.Server
}

// NewServer creates the API server and registers all routes
func NewServer(
	cfg *config.ServerConfig,
	orch *orchestrator.Orchestrator,
	coordinator *failover.Coordinator,
	registry *orchestrator.Registry,
	breakers *breaker.Factory,
	cacheService *cache.Service,
	m *metrics.Metrics,
) *Server {
	if m == nil {
		m = &metrics.Metrics{}
	}
	s := &Server{
		config:       cfg,
		orchestrator: orch,
		coordinator:  coordinator,
		registry:     registry,
		breakers:     breakers,
		cache:        cacheService,
		metrics:      m,
		logger:       logging.GetLogger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.correlationMiddleware())
	router.Use(s.metrics.GinMiddleware())

	router.GET("/metrics", s.metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/analyze", s.analyze)
		v1.POST("/analyze/stream", s.analyzeStream)
		v1.GET("/providers/status", s.providerStatus)
		v1.GET("/breakers", s.breakerStatus)
		v1.POST("/breakers/reset", s.breakerReset)
		v1.GET("/health", s.health)
		v1.DELETE("/cache", s.invalidateCache)
	}

	s.router = router
}

// Router returns the configured gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// correlationMiddleware threads a correlation ID through the request
// context, generating one when the caller did not supply it
func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// respondError maps application errors onto HTTP status codes
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeCircuitOpen:
		status = http.StatusServiceUnavailable
	case errors.ErrorTypeExhausted, errors.ErrorTypeProvider:
		status = http.StatusBadGateway
	case errors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	s.logger.WithContext(c.Request.Context()).
		WithField("status", status).
		WithField("error", err.Error()).
		Warn("Request failed")

	c.JSON(status, gin.H{
		"error": gin.H{
			"code":      errors.GetCode(err),
			"type":      errors.GetType(err),
			"message":   err.Error(),
			"retryable": errors.IsRetryable(err),
		},
	})
}
