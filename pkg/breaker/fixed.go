package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelsec/aegis/pkg/logging"
)

// FixedBreaker is the fixed-threshold circuit breaker. It opens after a
// configured number of failures, cools down for a fixed reset timeout, then
// admits a bounded number of probe requests before closing again.
//
// A generation counter guards against late completions: an operation that
// settles after the breaker has already transitioned (reset, reopened) is
// discarded and never corrupts the counters.
type FixedBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	halfOpenRequests int
	resetTimeout     time.Duration

	state            State
	generation       uint64
	failureCount     float64
	successCount     int
	halfOpenAttempts int
	lastFailureTime  time.Time
	openedAt         time.Time
	history          *ring

	onStateChange func(name string, from, to State)
	logger        *logging.Logger
	now           func() time.Time
}

// NewFixedBreaker creates a fixed-threshold circuit breaker
func NewFixedBreaker(cfg Config) *FixedBreaker {
	cfg.applyDefaults()
	return &FixedBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		halfOpenRequests: cfg.HalfOpenRequests,
		resetTimeout:     cfg.ResetTimeout,
		state:            StateClosed,
		history:          newRing(cfg.WindowSize),
		onStateChange:    cfg.OnStateChange,
		logger:           logging.GetLogger(),
		now:              time.Now,
	}
}

// Name returns the endpoint name this breaker guards
func (b *FixedBreaker) Name() string { return b.name }

// Execute runs op if the breaker admits the call
func (b *FixedBreaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		return nil, err
	}

	start := b.now()
	result, opErr := op(ctx)
	b.afterRequest(generation, b.now().Sub(start), opErr == nil)
	return result, opErr
}

func (b *FixedBreaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.resetTimeout {
			return b.generation, circuitOpenError(b.name)
		}
		b.setState(StateHalfOpen, now)
		b.halfOpenAttempts++
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.halfOpenRequests {
			return b.generation, circuitOpenError(b.name)
		}
		b.halfOpenAttempts++
	}
	return b.generation, nil
}

func (b *FixedBreaker) afterRequest(before uint64, duration time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.generation != before {
		// The breaker moved on while this call was in flight; its outcome
		// no longer describes the current circuit.
		return
	}

	now := b.now()
	b.history.add(call{at: now, duration: duration, success: success})

	if success {
		b.onSuccess(now)
	} else {
		b.onFailure(now)
	}
}

func (b *FixedBreaker) onSuccess(now time.Time) {
	b.successCount++
	switch b.state {
	case StateHalfOpen:
		if b.successCount >= b.halfOpenRequests {
			b.setState(StateClosed, now)
		}
	case StateClosed:
		// One unit of decay per success heals transient blips without a full reset
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

func (b *FixedBreaker) onFailure(now time.Time) {
	b.lastFailureTime = now
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= float64(b.failureThreshold) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A single failure during probation reopens immediately
		b.setState(StateOpen, now)
	}
}

// setState transitions the breaker and resets per-state counters.
// Callers must hold the mutex.
func (b *FixedBreaker) setState(state State, now time.Time) {
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
func (b *FixedBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters
func (b *FixedBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	requests, errorRate, avgLatency := b.history.snapshot()
	return Stats{
		Name:              b.name,
		State:             b.state.String(),
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		BackoffMultiplier: 1,
		LastFailureTime:   b.lastFailureTime,
		WindowRequests:    requests,
		WindowErrorRate:   errorRate,
		WindowAvgLatency:  avgLatency,
	}
}

// Reset forces the breaker closed and clears all counters
func (b *FixedBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, b.now())
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenAttempts = 0
	b.history.reset()
	b.generation++
}

// UpdateConfig adjusts thresholds on the running breaker without recreating it
func (b *FixedBreaker) UpdateConfig(cfg Config) {
	cfg.applyDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureThreshold = cfg.FailureThreshold
	b.halfOpenRequests = cfg.HalfOpenRequests
	b.resetTimeout = cfg.ResetTimeout
}
