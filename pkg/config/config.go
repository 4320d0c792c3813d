package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Redis        RedisConfig        `json:"redis"`
	Breakers     BreakersConfig     `json:"breakers"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Failover     FailoverConfig     `json:"failover"`
	Cache        CacheConfig        `json:"cache"`
	Providers    ProvidersConfig    `json:"providers"`
	Flags        FlagsConfig        `json:"flags"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// BreakersConfig contains circuit breaker defaults
type BreakersConfig struct {
	// DefaultVariant selects "fixed" or "adaptive" when no per-endpoint
	// override is configured
	DefaultVariant   string        `json:"default_variant"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	HalfOpenRequests int           `json:"half_open_requests"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	MaxBackoff       time.Duration `json:"max_backoff"`
	BackoffCurve     string        `json:"backoff_curve"`
	TargetLatency    time.Duration `json:"target_latency"`
	LatencyFactor    float64       `json:"latency_factor"`
	MinRequestVolume int           `json:"min_request_volume"`
	WindowSize       int           `json:"window_size"`
}

// OrchestratorConfig contains orchestration configuration
type OrchestratorConfig struct {
	DefaultStrategy    string        `json:"default_strategy"`
	CallTimeout        time.Duration `json:"call_timeout"`
	ConsensusThreshold float64       `json:"consensus_threshold"`
	MaxConcurrent      int64         `json:"max_concurrent"`
}

// FailoverConfig contains health probing and failover configuration
type FailoverConfig struct {
	ProbeInterval      time.Duration `json:"probe_interval"`
	ProbeTimeout       time.Duration `json:"probe_timeout"`
	UnhealthyThreshold int           `json:"unhealthy_threshold"`
	RecoveryDelay      time.Duration `json:"recovery_delay"`
	PriorityOverride   []string      `json:"priority_override"`
}

// CacheConfig contains response cache configuration
type CacheConfig struct {
	DefaultTTL time.Duration `json:"default_ttl"`
	ResultTTL  time.Duration `json:"result_ttl"`
	Enabled    bool          `json:"enabled"`
}

// ProviderConfig describes one upstream analysis provider endpoint
type ProviderConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"-"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// ProvidersConfig contains the upstream provider endpoints
type ProvidersConfig struct {
	Claude   ProviderConfig `json:"claude"`
	OpenAI   ProviderConfig `json:"openai"`
	DeepSeek ProviderConfig `json:"deepseek"`
}

// FlagsConfig contains feature flag defaults
type FlagsConfig struct {
	CircuitBreakersEnabled  bool `json:"circuit_breakers_enabled"`
	AdaptiveBreakersEnabled bool `json:"adaptive_breakers_enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Breakers: BreakersConfig{
			DefaultVariant:   getEnvString("BREAKER_DEFAULT_VARIANT", "adaptive"),
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			HalfOpenRequests: getEnvInt("BREAKER_HALF_OPEN_REQUESTS", 1),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			MaxBackoff:       getEnvDuration("BREAKER_MAX_BACKOFF", 5*time.Minute),
			BackoffCurve:     getEnvString("BREAKER_BACKOFF_CURVE", "exponential"),
			TargetLatency:    getEnvDuration("BREAKER_TARGET_LATENCY", 5*time.Second),
			LatencyFactor:    getEnvFloat("BREAKER_LATENCY_FACTOR", 2.0),
			MinRequestVolume: getEnvInt("BREAKER_MIN_REQUEST_VOLUME", 10),
			WindowSize:       getEnvInt("BREAKER_WINDOW_SIZE", 100),
		},
		Orchestrator: OrchestratorConfig{
			DefaultStrategy:    getEnvString("ORCHESTRATOR_DEFAULT_STRATEGY", "single"),
			CallTimeout:        getEnvDuration("ORCHESTRATOR_CALL_TIMEOUT", 60*time.Second),
			ConsensusThreshold: getEnvFloat("ORCHESTRATOR_CONSENSUS_THRESHOLD", 0.6),
			MaxConcurrent:      int64(getEnvInt("ORCHESTRATOR_MAX_CONCURRENT", 4)),
		},
		Failover: FailoverConfig{
			ProbeInterval:      getEnvDuration("FAILOVER_PROBE_INTERVAL", 30*time.Second),
			ProbeTimeout:       getEnvDuration("FAILOVER_PROBE_TIMEOUT", 10*time.Second),
			UnhealthyThreshold: getEnvInt("FAILOVER_UNHEALTHY_THRESHOLD", 3),
			RecoveryDelay:      getEnvDuration("FAILOVER_RECOVERY_DELAY", 60*time.Second),
			PriorityOverride:   getEnvStringSlice("FAILOVER_PRIORITY_OVERRIDE", nil),
		},
		Cache: CacheConfig{
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
			ResultTTL:  getEnvDuration("CACHE_RESULT_TTL", 24*time.Hour),
			Enabled:    getEnvBool("CACHE_ENABLED", true),
		},
		Providers: ProvidersConfig{
			Claude: ProviderConfig{
				BaseURL: getEnvString("CLAUDE_BASE_URL", "https://api.anthropic.com"),
				APIKey:  getEnvString("CLAUDE_API_KEY", ""),
				Model:   getEnvString("CLAUDE_MODEL", "claude-3-5-sonnet-latest"),
				Timeout: getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
			},
			OpenAI: ProviderConfig{
				BaseURL: getEnvString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  getEnvString("OPENAI_API_KEY", ""),
				Model:   getEnvString("OPENAI_MODEL", "gpt-4o"),
				Timeout: getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
			},
			DeepSeek: ProviderConfig{
				BaseURL: getEnvString("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
				APIKey:  getEnvString("DEEPSEEK_API_KEY", ""),
				Model:   getEnvString("DEEPSEEK_MODEL", "deepseek-chat"),
				Timeout: getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
			},
		},
		Flags: FlagsConfig{
			CircuitBreakersEnabled:  getEnvBool("FLAG_CIRCUIT_BREAKERS_ENABLED", true),
			AdaptiveBreakersEnabled: getEnvBool("FLAG_ADAPTIVE_BREAKERS_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Breakers.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breakers.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success threshold must be positive")
	}
	switch c.Breakers.DefaultVariant {
	case "fixed", "adaptive":
	default:
		return fmt.Errorf("unknown breaker variant: %s", c.Breakers.DefaultVariant)
	}
	switch c.Breakers.BackoffCurve {
	case "exponential", "linear", "fibonacci":
	default:
		return fmt.Errorf("unknown backoff curve: %s", c.Breakers.BackoffCurve)
	}
	if c.Orchestrator.ConsensusThreshold < 0 || c.Orchestrator.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus threshold must be in [0,1]")
	}
	if c.Failover.UnhealthyThreshold <= 0 {
		return fmt.Errorf("unhealthy threshold must be positive")
	}
	return nil
}

// Environment variable helpers

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
