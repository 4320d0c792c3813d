package breaker

import (
	"context"
	"time"

	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/logging"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probe requests are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Operation is a breaker-protected call
type Operation func(ctx context.Context) (interface{}, error)

// Breaker is the behavioral contract shared by the fixed and adaptive
// variants. The factory selects the concrete strategy per endpoint.
type Breaker interface {
	// Execute runs op if the breaker admits the call, recording the outcome.
	// When the breaker is open and the reset timeout has not elapsed it
	// fails fast with a circuit-open error without invoking op.
	Execute(ctx context.Context, op Operation) (interface{}, error)
	// State returns the current state
	State() State
	// Stats returns a snapshot of the breaker counters
	Stats() Stats
	// Reset forces the breaker closed and clears all counters
	Reset()
	// UpdateConfig adjusts thresholds on the running breaker
	UpdateConfig(cfg Config)
	// Name returns the endpoint name this breaker guards
	Name() string
}

// Config holds configuration shared by both breaker variants. Adaptive-only
// fields are ignored by the fixed breaker.
type Config struct {
	// Name of the guarded endpoint, used for logging/metrics
	Name string
	// FailureThreshold is the consecutive failure count that opens a closed breaker
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes required to close
	// (adaptive variant; the fixed variant closes after HalfOpenRequests successes)
	SuccessThreshold int
	// HalfOpenRequests is the probe quota while half-open
	HalfOpenRequests int
	// ResetTimeout is the base open-state cooldown before probing
	ResetTimeout time.Duration
	// MaxBackoff caps the computed open-state cooldown
	MaxBackoff time.Duration
	// BackoffCurve selects the cooldown growth curve (adaptive)
	BackoffCurve BackoffCurve
	// Jitter spreads the computed cooldown by +/-10% (adaptive)
	Jitter bool
	// TargetLatency is the latency goal for metrics-driven opening (adaptive)
	TargetLatency time.Duration
	// LatencyFactor multiplies TargetLatency to form the opening bound (adaptive)
	LatencyFactor float64
	// MinRequestVolume gates metrics-driven opening on observed window volume (adaptive)
	MinRequestVolume int
	// WindowSize bounds the rolling call history (adaptive)
	WindowSize int
	// OnStateChange is called on every state transition
	OnStateChange func(name string, from, to State)
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.BackoffCurve == "" {
		c.BackoffCurve = BackoffExponential
	}
	if c.LatencyFactor <= 0 {
		c.LatencyFactor = 2.0
	}
	if c.MinRequestVolume <= 0 {
		c.MinRequestVolume = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
}

// Stats is a point-in-time snapshot of breaker counters
type Stats struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	FailureCount         float64       `json:"failure_count"`
	SuccessCount         int           `json:"success_count"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	BackoffMultiplier    float64       `json:"backoff_multiplier"`
	LastFailureTime      time.Time     `json:"last_failure_time,omitempty"`
	WindowRequests       int           `json:"window_requests"`
	WindowErrorRate      float64       `json:"window_error_rate"`
	WindowAvgLatency     time.Duration `json:"window_avg_latency"`
}

// call records one completed request for the rolling window
type call struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// ring is a bounded history of recent calls
type ring struct {
	calls []call
	next  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{calls: make([]call, capacity)}
}

func (r *ring) add(c call) {
	r.calls[r.next] = c
	r.next = (r.next + 1) % len(r.calls)
	if r.size < len(r.calls) {
		r.size++
	}
}

func (r *ring) reset() {
	r.next = 0
	r.size = 0
}

// snapshot returns request count, error rate and average latency over the window
func (r *ring) snapshot() (requests int, errorRate float64, avgLatency time.Duration) {
	if r.size == 0 {
		return 0, 0, 0
	}
	var failures int
	var total time.Duration
	start := (r.next - r.size + len(r.calls)) % len(r.calls)
	for i := 0; i < r.size; i++ {
		c := r.calls[(start+i)%len(r.calls)]
		if !c.success {
			failures++
		}
		total += c.duration
	}
	return r.size, float64(failures) / float64(r.size), total / time.Duration(r.size)
}

// logStateChange is shared by both variants
func logStateChange(logger *logging.Logger, name string, from, to State) {
	logger.Info("Circuit breaker state changed",
		"name", name,
		"from", from.String(),
		"to", to.String(),
	)
}

// circuitOpenError builds the fail-fast rejection for the named endpoint
func circuitOpenError(name string) error {
	return errors.NewCircuitOpenError(name)
}
