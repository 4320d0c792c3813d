package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/pkg/flags"
)

func newTestFactory(flagDefaults map[string]bool) (*Factory, *flags.StaticProvider) {
	if flagDefaults == nil {
		flagDefaults = map[string]bool{
			flags.CircuitBreakersEnabled:  true,
			flags.AdaptiveBreakersEnabled: true,
		}
	}
	fp := flags.NewStaticProvider(flagDefaults)
	f := NewFactory(FactoryConfig{
		DefaultVariant: VariantAdaptive,
		Defaults: Config{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			HalfOpenRequests: 1,
			ResetTimeout:     time.Minute,
		},
	}, fp)
	return f, fp
}

func TestFactory_CachesPerEndpoint(t *testing.T) {
	f, _ := newTestFactory(nil)

	first := f.Get("claude")
	second := f.Get("claude")
	other := f.Get("openai")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}

func TestFactory_DefaultVariantAdaptive(t *testing.T) {
	f, _ := newTestFactory(nil)

	_, ok := f.Get("claude").(*AdaptiveBreaker)
	assert.True(t, ok)
}

func TestFactory_ExplicitVariantOverride(t *testing.T) {
	fp := flags.NewStaticProvider(map[string]bool{
		flags.CircuitBreakersEnabled:  true,
		flags.AdaptiveBreakersEnabled: true,
	})
	f := NewFactory(FactoryConfig{
		DefaultVariant: VariantAdaptive,
		EndpointVariants: map[string]Variant{
			"legacy": VariantFixed,
		},
	}, fp)

	_, ok := f.Get("legacy").(*FixedBreaker)
	assert.True(t, ok)
	_, ok = f.Get("modern").(*AdaptiveBreaker)
	assert.True(t, ok)
}

func TestFactory_AdaptiveFlagDowngradesToFixed(t *testing.T) {
	f, _ := newTestFactory(map[string]bool{
		flags.CircuitBreakersEnabled:  true,
		flags.AdaptiveBreakersEnabled: false,
	})

	_, ok := f.Get("claude").(*FixedBreaker)
	assert.True(t, ok)
}

func TestFactory_DisabledFlagBypassesBreaker(t *testing.T) {
	f, fp := newTestFactory(nil)

	// Trip the breaker
	for i := 0; i < 3; i++ {
		f.Execute(context.Background(), "claude", failingOp)
	}
	require.Equal(t, StateOpen, f.Get("claude").State())

	// With circuit breaking off the open breaker is ignored entirely
	fp.Set(flags.CircuitBreakersEnabled, false)
	invoked := false
	result, err := f.Execute(context.Background(), "claude", func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "ok", nil
	})
	require.NoError(t, err)
	assert.True(t, invoked)
	assert.Equal(t, "ok", result)
}

func TestFactory_GetHealthSummary(t *testing.T) {
	f, _ := newTestFactory(nil)

	f.Get("healthy-1")
	f.Get("healthy-2")
	for i := 0; i < 3; i++ {
		f.Execute(context.Background(), "broken", failingOp)
	}

	summary := f.GetHealthSummary()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Closed)
	assert.Equal(t, 1, summary.Open)
	assert.Equal(t, []string{"broken"}, summary.Unhealthy)
}

func TestFactory_GetAllStats(t *testing.T) {
	f, _ := newTestFactory(nil)

	f.Execute(context.Background(), "claude", succeedingOp)
	f.Execute(context.Background(), "openai", failingOp)

	stats := f.GetAllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, 0.0, stats["claude"].FailureCount)
	assert.Equal(t, 1.0, stats["openai"].FailureCount)
}

func TestFactory_UpdateEndpointConfigLive(t *testing.T) {
	f, _ := newTestFactory(nil)

	b := f.Get("claude")
	f.UpdateEndpointConfig("claude", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		HalfOpenRequests: 1,
		ResetTimeout:     time.Minute,
	})

	// The running instance was adjusted, not replaced
	assert.Same(t, b, f.Get("claude"))
	f.Execute(context.Background(), "claude", failingOp)
	assert.Equal(t, StateOpen, b.State())
}

func TestFactory_ResetAll(t *testing.T) {
	f, _ := newTestFactory(nil)

	for i := 0; i < 3; i++ {
		f.Execute(context.Background(), "a", failingOp)
		f.Execute(context.Background(), "b", failingOp)
	}
	require.Equal(t, StateOpen, f.Get("a").State())
	require.Equal(t, StateOpen, f.Get("b").State())

	f.ResetAll()
	assert.Equal(t, StateClosed, f.Get("a").State())
	assert.Equal(t, StateClosed, f.Get("b").State())
}
