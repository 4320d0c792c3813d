package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelsec/aegis/pkg/logging"
)

// AdaptiveBreaker extends the fixed-threshold state machine with a rolling
// window of recent calls, volume-gated metrics-driven opening and a
// configurable backoff curve on the open-state cooldown.
//
// The breaker may open preemptively while still closed when the window shows
// average latency above target*factor or an error rate above 0.5, but only
// once the window holds at least MinRequestVolume calls; light traffic never
// trips it on metrics alone.
type AdaptiveBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	halfOpenRequests int
	resetTimeout     time.Duration
	maxBackoff       time.Duration
	curve            BackoffCurve
	jitter           bool
	targetLatency    time.Duration
	latencyFactor    float64
	minRequestVolume int

	state                State
	generation           uint64
	failureCount         float64
	successCount         int
	consecutiveSuccesses int
	halfOpenAttempts     int
	backoffMultiplier    float64
	lastFailureTime      time.Time
	openedAt             time.Time
	cooldown             time.Duration
	history              *ring

	onStateChange func(name string, from, to State)
	logger        *logging.Logger
	now           func() time.Time
}

// NewAdaptiveBreaker creates an adaptive circuit breaker
func NewAdaptiveBreaker(cfg Config) *AdaptiveBreaker {
	cfg.applyDefaults()
	b := &AdaptiveBreaker{
		name:              cfg.Name,
		failureThreshold:  cfg.FailureThreshold,
		successThreshold:  cfg.SuccessThreshold,
		halfOpenRequests:  cfg.HalfOpenRequests,
		resetTimeout:      cfg.ResetTimeout,
		maxBackoff:        cfg.MaxBackoff,
		curve:             cfg.BackoffCurve,
		jitter:            cfg.Jitter,
		targetLatency:     cfg.TargetLatency,
		latencyFactor:     cfg.LatencyFactor,
		minRequestVolume:  cfg.MinRequestVolume,
		state:             StateClosed,
		backoffMultiplier: 1,
		history:           newRing(cfg.WindowSize),
		onStateChange:     cfg.OnStateChange,
		logger:            logging.GetLogger(),
		now:               time.Now,
	}
	b.cooldown = b.resetTimeout
	return b
}

// Name returns the endpoint name this breaker guards
func (b *AdaptiveBreaker) Name() string { return b.name }

// Execute runs op if the breaker admits the call
func (b *AdaptiveBreaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		return nil, err
	}

	start := b.now()
	result, opErr := op(ctx)
	b.afterRequest(generation, b.now().Sub(start), opErr == nil)
	return result, opErr
}

func (b *AdaptiveBreaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return b.generation, circuitOpenError(b.name)
		}
		b.setState(StateHalfOpen, now)
		b.halfOpenAttempts++
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.halfOpenQuota() {
			return b.generation, circuitOpenError(b.name)
		}
		b.halfOpenAttempts++
	}
	return b.generation, nil
}

// halfOpenQuota is the probe admission budget while half-open. It must
// cover the success threshold: admitting fewer probes than the successes
// needed to close would leave the breaker half-open with every further
// call rejected.
func (b *AdaptiveBreaker) halfOpenQuota() int {
	if b.successThreshold > b.halfOpenRequests {
		return b.successThreshold
	}
	return b.halfOpenRequests
}

func (b *AdaptiveBreaker) afterRequest(before uint64, duration time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.generation != before {
		// Late completion from a previous circuit generation; discard
		return
	}

	now := b.now()
	b.history.add(call{at: now, duration: duration, success: success})

	if success {
		b.onSuccess(now)
	} else {
		b.onFailure(now)
	}

	if b.state == StateClosed {
		b.evaluateWindow(now)
	}
}

func (b *AdaptiveBreaker) onSuccess(now time.Time) {
	b.successCount++
	switch b.state {
	case StateHalfOpen:
		if b.successCount >= b.successThreshold {
			b.close(now)
		}
	case StateClosed:
		b.consecutiveSuccesses++
		// Fractional decay heals transient blips faster than a full reset
		b.failureCount -= 0.5
		if b.failureCount < 0 {
			b.failureCount = 0
		}
		if b.consecutiveSuccesses > 2*b.successThreshold {
			b.backoffMultiplier = 1
		}
	}
}

func (b *AdaptiveBreaker) onFailure(now time.Time) {
	b.lastFailureTime = now
	switch b.state {
	case StateClosed:
		b.consecutiveSuccesses = 0
		b.failureCount++
		if b.failureCount >= float64(b.failureThreshold) {
			b.open(now)
		}
	case StateHalfOpen:
		// The dependency is still unhealthy; grow the cooldown before
		// the next probe round
		b.backoffMultiplier *= 1.5
		if b.backoffMultiplier > 10 {
			b.backoffMultiplier = 10
		}
		b.open(now)
	}
}

// evaluateWindow opens the breaker preemptively on degraded window metrics.
// Callers must hold the mutex; only meaningful while closed.
func (b *AdaptiveBreaker) evaluateWindow(now time.Time) {
	requests, errorRate, avgLatency := b.history.snapshot()
	if requests < b.minRequestVolume {
		return
	}
	latencyBound := time.Duration(float64(b.targetLatency) * b.latencyFactor)
	if (b.targetLatency > 0 && avgLatency > latencyBound) || errorRate > 0.5 {
		b.logger.Warn("Circuit breaker opening on window metrics",
			"name", b.name,
			"window_requests", requests,
			"error_rate", errorRate,
			"avg_latency_ms", avgLatency.Milliseconds(),
		)
		b.open(now)
	}
}

// open transitions to the open state and computes the cooldown from the
// configured backoff curve. Callers must hold the mutex.
func (b *AdaptiveBreaker) open(now time.Time) {
	b.cooldown = computeBackoff(b.curve, b.resetTimeout, b.backoffMultiplier, b.maxBackoff, b.jitter)
	b.setState(StateOpen, now)
}

// close transitions to the closed state, clearing counters and backoff.
// Callers must hold the mutex.
func (b *AdaptiveBreaker) close(now time.Time) {
	b.setState(StateClosed, now)
	b.backoffMultiplier = 1
	b.cooldown = b.resetTimeout
}

func (b *AdaptiveBreaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++

	switch state {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.consecutiveSuccesses = 0
		b.halfOpenAttempts = 0
	case StateOpen:
		b.openedAt = now
		b.successCount = 0
		b.halfOpenAttempts = 0
	case StateHalfOpen:
		b.successCount = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, state)
	}
	logStateChange(b.logger, b.name, prev, state)
}

// State returns the current state
func (b *AdaptiveBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters and window metrics
func (b *AdaptiveBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	requests, errorRate, avgLatency := b.history.snapshot()
	return Stats{
		Name:                 b.name,
		State:                b.state.String(),
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		BackoffMultiplier:    b.backoffMultiplier,
		LastFailureTime:      b.lastFailureTime,
		WindowRequests:       requests,
		WindowErrorRate:      errorRate,
		WindowAvgLatency:     avgLatency,
	}
}

// Reset forces the breaker closed and clears all counters and history
func (b *AdaptiveBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, b.now())
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveSuccesses = 0
	b.halfOpenAttempts = 0
	b.backoffMultiplier = 1
	b.cooldown = b.resetTimeout
	b.history.reset()
	b.generation++
}

// UpdateConfig adjusts thresholds on the running breaker without recreating it
func (b *AdaptiveBreaker) UpdateConfig(cfg Config) {
	cfg.applyDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureThreshold = cfg.FailureThreshold
	b.successThreshold = cfg.SuccessThreshold
	b.halfOpenRequests = cfg.HalfOpenRequests
	b.resetTimeout = cfg.ResetTimeout
	b.maxBackoff = cfg.MaxBackoff
	b.curve = cfg.BackoffCurve
	b.jitter = cfg.Jitter
	b.targetLatency = cfg.TargetLatency
	b.latencyFactor = cfg.LatencyFactor
	b.minRequestVolume = cfg.MinRequestVolume
}
