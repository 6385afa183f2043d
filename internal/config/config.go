// Package config loads the llmo command configuration from a YAML file,
// .env files and LLMO_ environment variables, and turns it into the
// orchestrator configuration and provider set.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/JohnPlummer/llm-orchestrator/batch"
	"github.com/JohnPlummer/llm-orchestrator/cache"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
	"github.com/JohnPlummer/llm-orchestrator/provider"
	"github.com/JohnPlummer/llm-orchestrator/provider/openai"
	"github.com/JohnPlummer/llm-orchestrator/ratelimit"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeEcho   = "echo"

	DefaultAPIKeyEnv = "OPENAI_API_KEY"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete llmo configuration
type Config struct {
	Providers       []ProviderConfig `mapstructure:"providers" validate:"dive"`
	DefaultProvider string           `mapstructure:"default_provider"`
	Cache           CacheConfig      `mapstructure:"cache"`
	RateLimit       ratelimit.Config `mapstructure:"rate_limit"`
	Retry           RetryConfig      `mapstructure:"retry"`
	Batch           BatchConfig      `mapstructure:"batch"`
	CircuitBreaker  bool             `mapstructure:"circuit_breaker"`
	SingleFlight    bool             `mapstructure:"single_flight"`
	MaxPromptLength int              `mapstructure:"max_prompt_length" validate:"gte=0"`
	Server          ServerConfig     `mapstructure:"server"`
	Log             LogConfig        `mapstructure:"log"`
}

// ProviderConfig describes one provider instance
type ProviderConfig struct {
	Name      string            `mapstructure:"name" validate:"required"`
	Type      string            `mapstructure:"type" validate:"required,oneof=openai echo"`
	APIKey    string            `mapstructure:"api_key"`
	APIKeyEnv string            `mapstructure:"api_key_env"`
	BaseURL   string            `mapstructure:"base_url" validate:"omitempty,url"`
	Model     string            `mapstructure:"model"`
	Latency   time.Duration     `mapstructure:"latency" validate:"gte=0"`
	RateLimit *ratelimit.Config `mapstructure:"rate_limit"`
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	MaxSizeBytes int64         `mapstructure:"max_size_bytes" validate:"gt=0"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
}

// RetryConfig holds retry settings
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelay         time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
}

// BatchConfig holds batch queue settings
type BatchConfig struct {
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0"`
	ProcessingDelay time.Duration `mapstructure:"processing_delay" validate:"gte=0"`
}

// ServerConfig holds the serve command settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// ResolveAPIKey returns the inline key, or the value of the environment
// variable the provider names.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	name := p.APIKeyEnv
	if name == "" && p.Type == ProviderTypeOpenAI {
		name = DefaultAPIKeyEnv
	}
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// ToOrchestrator converts the loaded settings to an orchestrator config
func (c *Config) ToOrchestrator() orchestrator.Config {
	cfg := orchestrator.NewDefaultConfig().
		WithDefaultProvider(c.DefaultProvider).
		WithCache(cache.Config{
			MaxSizeBytes: c.Cache.MaxSizeBytes,
			DefaultTTL:   c.Cache.DefaultTTL,
		}).
		WithRateLimit(c.RateLimit).
		WithRetry(retry.Config{
			MaxRetries:        c.Retry.MaxRetries,
			BaseDelay:         c.Retry.BaseDelay,
			MaxDelay:          c.Retry.MaxDelay,
			BackoffMultiplier: c.Retry.BackoffMultiplier,
		}).
		WithBatch(batch.Config{
			BatchSize:       c.Batch.BatchSize,
			ProcessingDelay: c.Batch.ProcessingDelay,
		}).
		WithSingleFlight(c.SingleFlight).
		WithMaxPromptLength(c.MaxPromptLength)

	for _, p := range c.Providers {
		if p.RateLimit != nil {
			cfg = cfg.WithProviderLimit(provider.Normalize(p.Name), *p.RateLimit)
		}
	}

	if c.CircuitBreaker {
		cfg = cfg.WithCircuitBreaker()
	}
	return cfg
}

// BuildProviders instantiates every configured provider. With dryRun set,
// each provider is replaced by an echo provider of the same name so no
// network calls are made.
func (c *Config) BuildProviders(dryRun bool) ([]provider.Provider, error) {
	providers := make([]provider.Provider, 0, len(c.Providers))

	for _, p := range c.Providers {
		if dryRun || p.Type == ProviderTypeEcho {
			echo := provider.NewEcho(p.Name)
			echo.Latency = p.Latency
			if dryRun && p.Type != ProviderTypeEcho {
				echo.Prefix = "[dry-run] "
			}
			providers = append(providers, echo)
			continue
		}

		adapter, err := openai.New(openai.Config{
			Name:    p.Name,
			APIKey:  p.ResolveAPIKey(),
			BaseURL: p.BaseURL,
			Model:   p.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		providers = append(providers, adapter)
	}

	return providers, nil
}
