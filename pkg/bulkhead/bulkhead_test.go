package bulkhead

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RunLimited(context.Background(), "claude", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt64(&current, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	l := NewLimiter(1)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go l.RunLimited(context.Background(), "claude", func(ctx context.Context) (interface{}, error) {
		close(blocked)
		<-release
		return nil, nil
	})
	<-blocked

	// A different scope admits immediately even while claude is saturated
	done := make(chan struct{})
	go func() {
		l.RunLimited(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
			close(done)
			return nil, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent scope was blocked")
	}
	close(release)
}

func TestLimiter_CancelledContext(t *testing.T) {
	l := NewLimiter(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go l.RunLimited(context.Background(), "claude", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.RunLimited(ctx, "claude", func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	require.Error(t, err)
	close(release)
}

func TestLimiter_TryRunLimited(t *testing.T) {
	l := NewLimiter(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go l.RunLimited(context.Background(), "claude", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	_, err := l.TryRunLimited(context.Background(), "claude", func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	require.Error(t, err)
	close(release)
}
