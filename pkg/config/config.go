// Package config handles configuration for the mandate-mesh services
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
	"github.com/mandate-mesh/mandate-mesh/pkg/ratelimit"
	"github.com/mandate-mesh/mandate-mesh/pkg/resilience"
)

// Collaborator names that ship with a tuned default profile
const (
	CollaboratorIdentityProvider   = "identity_provider"
	CollaboratorTokenStore         = "token_store"
	CollaboratorRevocationRegistry = "revocation_registry"
	CollaboratorAuditSink          = "audit_sink"
	CollaboratorAttestationService = "attestation_service"
)

// Config represents the complete configuration for a mandate-mesh service
type Config struct {
	Service       ServiceConfig               `mapstructure:"service"`
	Observability observability.Config        `mapstructure:"observability"`
	Resilience    ResilienceConfig            `mapstructure:"resilience"`
	KeyedLimits   map[string]ratelimit.Config `mapstructure:"keyed_limits"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name            string        `mapstructure:"name"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

// ResilienceConfig holds one resilience profile per guarded collaborator
type ResilienceConfig struct {
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`
}

// ProfileConfig declares which guards wrap calls to one collaborator and how
// each is tuned. Disabled sections are simply left out of the composed
// executor.
type ProfileConfig struct {
	CircuitBreaker CircuitBreakerProfile `mapstructure:"circuit_breaker"`
	Retry          RetryProfile          `mapstructure:"retry"`
	Timeout        TimeoutProfile        `mapstructure:"timeout"`
	Bulkhead       BulkheadProfile       `mapstructure:"bulkhead"`
	RateLimiter    RateLimiterProfile    `mapstructure:"rate_limiter"`
}

// CircuitBreakerProfile contains circuit breaker settings
type CircuitBreakerProfile struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenLimit    int           `mapstructure:"half_open_limit"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RetryProfile contains retry settings
type RetryProfile struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

// TimeoutProfile contains timeout settings
type TimeoutProfile struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// BulkheadProfile contains bulkhead settings
type BulkheadProfile struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxQueueSize    int           `mapstructure:"max_queue_size"`
	MaxWaitDuration time.Duration `mapstructure:"max_wait_duration"`
}

// RateLimiterProfile contains token bucket settings
type RateLimiterProfile struct {
	Enabled   bool    `mapstructure:"enabled"`
	Rate      float64 `mapstructure:"rate"`
	BurstSize int     `mapstructure:"burst_size"`
}

// Build composes a ResilientExecutor for the named collaborator from the
// enabled sections of the profile. Tuning values that were left zero fall
// back to the component defaults.
func (p ProfileConfig) Build(name string, logger observability.Logger, metrics observability.MetricsClient) *resilience.ResilientExecutor {
	var opts []resilience.ResilientExecutorOption

	if p.CircuitBreaker.Enabled {
		opts = append(opts, resilience.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: p.CircuitBreaker.FailureThreshold,
			ResetTimeout:     p.CircuitBreaker.ResetTimeout,
			HalfOpenLimit:    p.CircuitBreaker.HalfOpenLimit,
			SuccessThreshold: p.CircuitBreaker.SuccessThreshold,
		}))
	}
	if p.Retry.Enabled {
		opts = append(opts, resilience.WithRetry(resilience.RetryConfig{
			MaxAttempts:  p.Retry.MaxAttempts,
			InitialDelay: p.Retry.InitialDelay,
			MaxDelay:     p.Retry.MaxDelay,
			Multiplier:   p.Retry.Multiplier,
			Jitter:       p.Retry.Jitter,
		}))
	}
	if p.Timeout.Enabled {
		opts = append(opts, resilience.WithTimeout(resilience.TimeoutConfig{
			Timeout:     p.Timeout.Timeout,
			GracePeriod: p.Timeout.GracePeriod,
		}))
	}
	if p.Bulkhead.Enabled {
		opts = append(opts, resilience.WithBulkhead(resilience.BulkheadConfig{
			MaxConcurrent:   p.Bulkhead.MaxConcurrent,
			MaxQueueSize:    p.Bulkhead.MaxQueueSize,
			MaxWaitDuration: p.Bulkhead.MaxWaitDuration,
		}))
	}
	if p.RateLimiter.Enabled {
		opts = append(opts, resilience.WithRateLimiter(resilience.TokenBucketConfig{
			Rate:      p.RateLimiter.Rate,
			BurstSize: p.RateLimiter.BurstSize,
		}))
	}

	return resilience.NewResilientExecutor(name, logger, metrics, opts...)
}

// Load loads configuration from the mandate-mesh config file, environment
// variables, and defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("mandate-mesh")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/configs")
	v.AddConfigPath(".")

	return load(v, true)
}

// LoadFile loads configuration from an explicit config file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v, false)
}

func load(v *viper.Viper, optionalFile bool) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("MANDATE_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus environment variables are a valid configuration on
		// their own
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || !optionalFile {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := validate(&config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service.name", "mandate-mesh")
	v.SetDefault("service.port", 8086)
	v.SetDefault("service.metrics_port", 9096)
	v.SetDefault("service.shutdown_timeout", "30s")
	v.SetDefault("service.log_level", "info")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.namespace", "mandate_mesh")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "mandate-mesh")

	// The identity provider is interactive and latency sensitive: short
	// timeout, quick retries, a breaker that trips fast
	profileDefaults(v, CollaboratorIdentityProvider, profileSeed{
		failureThreshold: 5, resetTimeout: "30s",
		maxAttempts: 3, initialDelay: "100ms", maxDelay: "2s",
		timeout:       "5s",
		maxConcurrent: 50, maxQueueSize: 100, maxWait: "2s",
		rate: 200, burst: 50,
	})

	// The token store is local and fast; it mostly needs concurrency caps
	profileDefaults(v, CollaboratorTokenStore, profileSeed{
		failureThreshold: 10, resetTimeout: "15s",
		maxAttempts: 2, initialDelay: "50ms", maxDelay: "500ms",
		timeout:       "2s",
		maxConcurrent: 100, maxQueueSize: 200, maxWait: "1s",
		rate: 1000, burst: 200,
	})

	// Revocation checks sit on the hot path of every verification
	profileDefaults(v, CollaboratorRevocationRegistry, profileSeed{
		failureThreshold: 5, resetTimeout: "20s",
		maxAttempts: 3, initialDelay: "50ms", maxDelay: "1s",
		timeout:       "3s",
		maxConcurrent: 100, maxQueueSize: 200, maxWait: "1s",
		rate: 500, burst: 100,
	})

	// Audit writes tolerate latency but must not absorb every worker
	profileDefaults(v, CollaboratorAuditSink, profileSeed{
		failureThreshold: 10, resetTimeout: "60s",
		maxAttempts: 5, initialDelay: "200ms", maxDelay: "10s",
		timeout:       "10s",
		maxConcurrent: 20, maxQueueSize: 500, maxWait: "5s",
		rate: 300, burst: 50,
	})

	// Attestation is expensive and slow; low concurrency, patient timeout
	profileDefaults(v, CollaboratorAttestationService, profileSeed{
		failureThreshold: 3, resetTimeout: "60s",
		maxAttempts: 2, initialDelay: "500ms", maxDelay: "5s",
		timeout:       "30s",
		maxConcurrent: 10, maxQueueSize: 50, maxWait: "10s",
		rate: 50, burst: 10,
	})
}

// profileSeed is the shorthand used to register one collaborator's defaults
type profileSeed struct {
	failureThreshold int
	resetTimeout     string
	maxAttempts      int
	initialDelay     string
	maxDelay         string
	timeout          string
	maxConcurrent    int
	maxQueueSize     int
	maxWait          string
	rate             float64
	burst            int
}

func profileDefaults(v *viper.Viper, name string, seed profileSeed) {
	prefix := "resilience.profiles." + name + "."

	v.SetDefault(prefix+"circuit_breaker.enabled", true)
	v.SetDefault(prefix+"circuit_breaker.failure_threshold", seed.failureThreshold)
	v.SetDefault(prefix+"circuit_breaker.reset_timeout", seed.resetTimeout)
	v.SetDefault(prefix+"circuit_breaker.half_open_limit", 1)
	v.SetDefault(prefix+"circuit_breaker.success_threshold", 1)

	v.SetDefault(prefix+"retry.enabled", true)
	v.SetDefault(prefix+"retry.max_attempts", seed.maxAttempts)
	v.SetDefault(prefix+"retry.initial_delay", seed.initialDelay)
	v.SetDefault(prefix+"retry.max_delay", seed.maxDelay)
	v.SetDefault(prefix+"retry.multiplier", 2.0)
	v.SetDefault(prefix+"retry.jitter", true)

	v.SetDefault(prefix+"timeout.enabled", true)
	v.SetDefault(prefix+"timeout.timeout", seed.timeout)

	v.SetDefault(prefix+"bulkhead.enabled", true)
	v.SetDefault(prefix+"bulkhead.max_concurrent", seed.maxConcurrent)
	v.SetDefault(prefix+"bulkhead.max_queue_size", seed.maxQueueSize)
	v.SetDefault(prefix+"bulkhead.max_wait_duration", seed.maxWait)

	v.SetDefault(prefix+"rate_limiter.enabled", true)
	v.SetDefault(prefix+"rate_limiter.rate", seed.rate)
	v.SetDefault(prefix+"rate_limiter.burst_size", seed.burst)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Service.Port <= 0 || cfg.Service.Port > 65535 {
		return errors.Errorf("invalid service port: %d", cfg.Service.Port)
	}

	for name, profile := range cfg.Resilience.Profiles {
		if name == "" {
			return errors.New("resilience profile with empty name")
		}
		if profile.Retry.Enabled && profile.Retry.MaxAttempts < 0 {
			return errors.Errorf("profile %s: retry max_attempts must not be negative", name)
		}
		if profile.Timeout.Enabled && profile.Timeout.Timeout < 0 {
			return errors.Errorf("profile %s: timeout must not be negative", name)
		}
		if profile.Bulkhead.Enabled && profile.Bulkhead.MaxConcurrent < 0 {
			return errors.Errorf("profile %s: bulkhead max_concurrent must not be negative", name)
		}
		if profile.RateLimiter.Enabled && profile.RateLimiter.Rate < 0 {
			return errors.Errorf("profile %s: rate must not be negative", name)
		}
	}

	for key, limit := range cfg.KeyedLimits {
		switch limit.Type {
		case "", ratelimit.TypeTokenBucket, ratelimit.TypeSlidingWindow, ratelimit.TypeFixedWindow, ratelimit.TypeRedis:
		default:
			return errors.Errorf("keyed limit %s: unknown type %s", key, limit.Type)
		}
	}

	return nil
}

// Profile returns the named profile, falling back to a fully enabled default
// profile when the name is not configured
func (c *Config) Profile(name string) ProfileConfig {
	if profile, ok := c.Resilience.Profiles[name]; ok {
		return profile
	}
	return ProfileConfig{
		CircuitBreaker: CircuitBreakerProfile{Enabled: true},
		Retry:          RetryProfile{Enabled: true},
		Timeout:        TimeoutProfile{Enabled: true},
		Bulkhead:       BulkheadProfile{Enabled: true},
		RateLimiter:    RateLimiterProfile{Enabled: true},
	}
}
