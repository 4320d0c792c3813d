package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderInFlight     *prometheus.GaugeVec

	// Resilience metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	FailoverAttempts   *prometheus.CounterVec

	// Orchestration metrics
	ConsensusOperations *prometheus.CounterVec
	ConsensusRatio      prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "aegis",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls by outcome",
			},
			[]string{"provider", "task_type", "outcome"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ProviderInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "provider_in_flight",
				Help:      "Current in-flight calls per provider",
			},
			[]string{"provider"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"endpoint", "from", "to"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"endpoint"},
		),
		FailoverAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "failover_attempts_total",
				Help:      "Failover candidate attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		ConsensusOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "consensus_operations_total",
				Help:      "Ensemble consensus operations by outcome",
			},
			[]string{"outcome"},
		),
		ConsensusRatio: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "consensus_ratio",
				Help:      "Fraction of settled results agreeing with the majority verdict",
				Buckets:   []float64{0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_hits_total",
				Help:      "Response cache hits",
			},
			[]string{"task_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_misses_total",
				Help:      "Response cache misses",
			},
			[]string{"task_type"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ProviderInFlight,
		m.BreakerTransitions,
		m.BreakerState,
		m.FailoverAttempts,
		m.ConsensusOperations,
		m.ConsensusRatio,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// GinMiddleware instruments HTTP requests
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsTotal == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// ObserveBreakerTransition records a breaker state change
func (m *Metrics) ObserveBreakerTransition(endpoint, from, to string) {
	if m.BreakerTransitions == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(endpoint, from, to).Inc()

	var state float64
	switch to {
	case "OPEN":
		state = 1
	case "HALF_OPEN":
		state = 2
	}
	m.BreakerState.WithLabelValues(endpoint).Set(state)
}

// ConsensusOperationsInc counts one ensemble consensus operation by outcome
func (m *Metrics) ConsensusOperationsInc(outcome string) {
	if m.ConsensusOperations == nil {
		return
	}
	m.ConsensusOperations.WithLabelValues(outcome).Inc()
}

// ConsensusRatioObserve records the agreement ratio of one consensus build
func (m *Metrics) ConsensusRatioObserve(ratio float64) {
	if m.ConsensusRatio == nil {
		return
	}
	m.ConsensusRatio.Observe(ratio)
}

// ObserveFailoverAttempt counts one failover candidate attempt by outcome
func (m *Metrics) ObserveFailoverAttempt(providerName, outcome string) {
	if m.FailoverAttempts == nil {
		return
	}
	m.FailoverAttempts.WithLabelValues(providerName, outcome).Inc()
}

// ObserveCacheLookup counts one response cache lookup
func (m *Metrics) ObserveCacheLookup(taskType string, hit bool) {
	if m.CacheHitsTotal == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(taskType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(taskType).Inc()
}

// ObserveProviderCall records one provider call outcome
func (m *Metrics) ObserveProviderCall(providerName, taskType string, duration time.Duration, err error) {
	if m.ProviderCallsTotal == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.ProviderCallsTotal.WithLabelValues(providerName, taskType, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(providerName).Observe(duration.Seconds())
}
