package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/JohnPlummer/llm-orchestrator/batch"
	"github.com/JohnPlummer/llm-orchestrator/cache"
	"github.com/JohnPlummer/llm-orchestrator/ratelimit"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// Config holds the configuration for the orchestrator
type Config struct {
	DefaultProvider      string                      // Provider used when a request names none
	Cache                cache.Config                // Response cache settings
	RateLimit            ratelimit.Config            // Quota for providers without an override
	ProviderLimits       map[string]ratelimit.Config // Per-provider quota overrides
	Retry                retry.Config                // Retry and backoff settings
	Batch                batch.Config                // Batch queue settings
	SingleFlight         bool                        // Collapse concurrent identical requests
	MaxPromptLength      int                         // Maximum prompt length in characters (0 = default)
	EnableCircuitBreaker bool                        // Enable circuit breaker pattern
	CircuitBreakerConfig *CircuitBreakerConfig       // Circuit breaker configuration
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	MaxRequests   uint32                                      // Max requests in half-open state
	Interval      time.Duration                               // Interval for closed state
	Timeout       time.Duration                               // Timeout for open state
	ReadyToTrip   func(counts gobreaker.Counts) bool          // Custom trip condition
	OnStateChange func(name string, from, to gobreaker.State) // State change callback
}

// DefaultCircuitBreakerConfig trips after five consecutive failures or a
// failure rate above 60% over at least ten requests.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio > 0.6)
		},
	}
}

// NewDefaultConfig creates a config with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		Cache:           cache.DefaultConfig(),
		RateLimit:       ratelimit.DefaultConfig(),
		Retry:           retry.DefaultConfig(),
		Batch:           batch.DefaultConfig(),
		SingleFlight:    true,
		MaxPromptLength: DefaultMaxPromptLength,
	}
}

// NewProductionConfig creates a production-ready config with all resilience features
func NewProductionConfig() Config {
	return NewDefaultConfig().WithCircuitBreaker()
}

// WithDefaultProvider sets the provider used when a request names none
func (c Config) WithDefaultProvider(name string) Config {
	c.DefaultProvider = name
	return c
}

// WithCache sets the cache settings
func (c Config) WithCache(cfg cache.Config) Config {
	c.Cache = cfg
	return c
}

// WithRateLimit sets the default provider quota
func (c Config) WithRateLimit(cfg ratelimit.Config) Config {
	c.RateLimit = cfg
	return c
}

// WithProviderLimit overrides the quota of one provider
func (c Config) WithProviderLimit(name string, cfg ratelimit.Config) Config {
	limits := make(map[string]ratelimit.Config, len(c.ProviderLimits)+1)
	for k, v := range c.ProviderLimits {
		limits[k] = v
	}
	limits[name] = cfg
	c.ProviderLimits = limits
	return c
}

// WithRetry sets the retry settings
func (c Config) WithRetry(cfg retry.Config) Config {
	c.Retry = cfg
	return c
}

// WithBatch sets the batch queue settings
func (c Config) WithBatch(cfg batch.Config) Config {
	c.Batch = cfg
	return c
}

// WithSingleFlight toggles collapsing of concurrent identical requests
func (c Config) WithSingleFlight(enabled bool) Config {
	c.SingleFlight = enabled
	return c
}

// WithMaxPromptLength sets the prompt length limit
func (c Config) WithMaxPromptLength(n int) Config {
	c.MaxPromptLength = n
	return c
}

// WithCircuitBreaker enables circuit breaker with default settings
func (c Config) WithCircuitBreaker() Config {
	c.EnableCircuitBreaker = true
	c.CircuitBreakerConfig = DefaultCircuitBreakerConfig()
	return c
}

// WithCircuitBreakerConfig enables circuit breaker with custom settings
func (c Config) WithCircuitBreakerConfig(config *CircuitBreakerConfig) Config {
	c.EnableCircuitBreaker = true
	c.CircuitBreakerConfig = config
	return c
}

// Validate checks if the config is valid
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for name, limit := range c.ProviderLimits {
		if err := limit.Validate(); err != nil {
			return fmt.Errorf("%w: provider %s: %w", ErrInvalidConfig, name, err)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MaxPromptLength < 0 {
		return fmt.Errorf("%w: MaxPromptLength must be non-negative", ErrInvalidConfig)
	}
	if c.EnableCircuitBreaker && c.CircuitBreakerConfig == nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.New("circuit breaker enabled but config is nil"))
	}
	return nil
}
