package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "adaptive", cfg.Breakers.DefaultVariant)
	assert.Equal(t, 5, cfg.Breakers.FailureThreshold)
	assert.Equal(t, "exponential", cfg.Breakers.BackoffCurve)
	assert.Equal(t, "single", cfg.Orchestrator.DefaultStrategy)
	assert.InDelta(t, 0.6, cfg.Orchestrator.ConsensusThreshold, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.Failover.ProbeInterval)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Flags.CircuitBreakersEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BREAKER_DEFAULT_VARIANT", "fixed")
	t.Setenv("BREAKER_BACKOFF_CURVE", "fibonacci")
	t.Setenv("FAILOVER_PRIORITY_OVERRIDE", "deepseek, openai,claude")
	t.Setenv("ORCHESTRATOR_CALL_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "fixed", cfg.Breakers.DefaultVariant)
	assert.Equal(t, "fibonacci", cfg.Breakers.BackoffCurve)
	assert.Equal(t, []string{"deepseek", "openai", "claude"}, cfg.Failover.PriorityOverride)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.CallTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad failure threshold", func(c *Config) { c.Breakers.FailureThreshold = 0 }},
		{"unknown variant", func(c *Config) { c.Breakers.DefaultVariant = "quantum" }},
		{"unknown curve", func(c *Config) { c.Breakers.BackoffCurve = "sawtooth" }},
		{"consensus out of range", func(c *Config) { c.Orchestrator.ConsensusThreshold = 1.5 }},
		{"bad unhealthy threshold", func(c *Config) { c.Failover.UnhealthyThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
