// Package failover keeps per-provider health records current through
// background probing and routes each analysis to the best available
// provider, falling through the remaining candidates on failure.
package failover

import (
	"sync"
	"time"
)

// HealthStatus is the coarse availability classification of a provider
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Smoothing factor for the exponentially weighted success rate and
// response time averages
const ewmaAlpha = 0.3

// HealthRecord is the tracked state of one provider
type HealthRecord struct {
	Provider            string        `json:"provider"`
	Status              HealthStatus  `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessRate         float64       `json:"success_rate"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastCheck           time.Time     `json:"last_check"`
	LastError           string        `json:"last_error,omitempty"`

	lastTransition time.Time
}

// healthTracker maintains health records under a single lock. Providers
// start healthy and are only demoted by observed failures.
type healthTracker struct {
	mu                 sync.RWMutex
	records            map[string]*HealthRecord
	unhealthyThreshold int
	recoveryDelay      time.Duration

	now func() time.Time
}

func newHealthTracker(unhealthyThreshold int, recoveryDelay time.Duration) *healthTracker {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = 3
	}
	return &healthTracker{
		records:            make(map[string]*HealthRecord),
		unhealthyThreshold: unhealthyThreshold,
		recoveryDelay:      recoveryDelay,
		now:                time.Now,
	}
}

// record returns the tracked record for a provider, creating a healthy
// one on first sight. Callers must hold the write lock.
func (t *healthTracker) record(name string) *HealthRecord {
	rec, ok := t.records[name]
	if !ok {
		rec = &HealthRecord{
			Provider:       name,
			Status:         HealthHealthy,
			SuccessRate:    1,
			lastTransition: t.now(),
		}
		t.records[name] = rec
	}
	return rec
}

// RecordSuccess folds one successful call or probe into the record.
// An unhealthy provider recovers through degraded before healthy so one
// lucky probe cannot put it straight back at the front of the order.
func (t *healthTracker) RecordSuccess(name string, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(name)
	rec.ConsecutiveFailures = 0
	rec.LastCheck = t.now()
	rec.LastError = ""
	rec.SuccessRate = rec.SuccessRate*(1-ewmaAlpha) + ewmaAlpha
	if rec.AvgResponseTime == 0 {
		rec.AvgResponseTime = elapsed
	} else {
		rec.AvgResponseTime = time.Duration(float64(rec.AvgResponseTime)*(1-ewmaAlpha) + float64(elapsed)*ewmaAlpha)
	}

	switch rec.Status {
	case HealthUnhealthy:
		t.transition(rec, HealthDegraded)
	case HealthDegraded:
		t.transition(rec, HealthHealthy)
	}
}

// RecordFailure folds one failed call or probe into the record
func (t *healthTracker) RecordFailure(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(name)
	rec.ConsecutiveFailures++
	rec.LastCheck = t.now()
	if err != nil {
		rec.LastError = err.Error()
	}
	rec.SuccessRate = rec.SuccessRate * (1 - ewmaAlpha)

	if rec.ConsecutiveFailures >= t.unhealthyThreshold {
		t.transition(rec, HealthUnhealthy)
	} else if rec.Status == HealthHealthy {
		t.transition(rec, HealthDegraded)
	}
}

func (t *healthTracker) transition(rec *HealthRecord, to HealthStatus) {
	if rec.Status == to {
		return
	}
	rec.Status = to
	rec.lastTransition = t.now()
}

// StatusOf returns the current status; unknown providers are healthy
func (t *healthTracker) StatusOf(name string) HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[name]; ok {
		return rec.Status
	}
	return HealthHealthy
}

// ProbeDue reports whether a provider should be probed now. Unhealthy
// providers are left alone until the recovery delay has elapsed.
func (t *healthTracker) ProbeDue(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[name]
	if !ok || rec.Status != HealthUnhealthy {
		return true
	}
	return t.now().Sub(rec.lastTransition) >= t.recoveryDelay
}

// Snapshot returns a copy of every health record
func (t *healthTracker) Snapshot() map[string]HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]HealthRecord, len(t.records))
	for name, rec := range t.records {
		out[name] = *rec
	}
	return out
}

// rank orders statuses for candidate sorting: lower is better
func rank(status HealthStatus) int {
	switch status {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}
