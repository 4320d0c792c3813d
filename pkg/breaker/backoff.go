package breaker

import (
	"math"
	"math/rand"
	"time"
)

// BackoffCurve selects how the open-state cooldown grows across repeated failures
type BackoffCurve string

const (
	// BackoffExponential grows the cooldown as initial * 2^(multiplier-1)
	BackoffExponential BackoffCurve = "exponential"
	// BackoffLinear grows the cooldown as initial * multiplier
	BackoffLinear BackoffCurve = "linear"
	// BackoffFibonacci grows the cooldown as initial * fib(multiplier)
	BackoffFibonacci BackoffCurve = "fibonacci"
)

// computeBackoff returns the open-state cooldown for the given multiplier.
// The result is capped at max and, when jitter is enabled, spread by +/-10%
// to avoid synchronized probing across endpoints.
func computeBackoff(curve BackoffCurve, initial time.Duration, multiplier float64, max time.Duration, jitter bool) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}

	var delay time.Duration
	switch curve {
	case BackoffLinear:
		delay = time.Duration(float64(initial) * multiplier)
	case BackoffFibonacci:
		delay = time.Duration(float64(initial) * float64(fib(int(math.Round(multiplier)))))
	default: // exponential
		delay = time.Duration(float64(initial) * math.Pow(2, multiplier-1))
	}

	if delay > max {
		delay = max
	}
	if jitter {
		// +/-10%
		factor := 0.9 + rand.Float64()*0.2
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// fib returns the nth Fibonacci number with fib(1) = fib(2) = 1
func fib(n int) int {
	if n <= 2 {
		return 1
	}
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
