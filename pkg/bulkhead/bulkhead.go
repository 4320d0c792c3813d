// Package bulkhead bounds the number of simultaneous in-flight calls per
// named scope, isolating one dependency's load and failures from others.
package bulkhead

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sentinelsec/aegis/pkg/errors"
)

// Limiter bounds concurrent operations per scope
type Limiter struct {
	mu       sync.Mutex
	scopes   map[string]*semaphore.Weighted
	capacity int64
}

// NewLimiter creates a limiter admitting up to capacity concurrent
// operations per scope
func NewLimiter(capacity int64) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		scopes:   make(map[string]*semaphore.Weighted),
		capacity: capacity,
	}
}

func (l *Limiter) scope(name string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.scopes[name]
	if !ok {
		sem = semaphore.NewWeighted(l.capacity)
		l.scopes[name] = sem
	}
	return sem
}

// RunLimited runs op once a slot in the scope is available, blocking until
// admission or context cancellation
func (l *Limiter) RunLimited(ctx context.Context, scope string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	sem := l.scope(scope)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.NewTimeoutError("bulkhead admission for " + scope).WithCause(err)
	}
	defer sem.Release(1)

	return op(ctx)
}

// TryRunLimited runs op only if a slot is immediately available
func (l *Limiter) TryRunLimited(ctx context.Context, scope string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	sem := l.scope(scope)
	if !sem.TryAcquire(1) {
		return nil, errors.NewProviderError(scope, "bulkhead capacity exhausted").WithRetryable(true)
	}
	defer sem.Release(1)

	return op(ctx)
}
