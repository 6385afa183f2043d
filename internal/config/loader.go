package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JohnPlummer/llm-orchestrator/provider"
)

// EnvPrefix prefixes every environment override, e.g. LLMO_CACHE_DEFAULT_TTL
const EnvPrefix = "LLMO"

var validate = validator.New()

// Load reads configuration from path (optional), .env and the environment.
// Missing .env files are ignored; a missing explicit config file is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{
			Name:      ProviderTypeOpenAI,
			Type:      ProviderTypeOpenAI,
			APIKeyEnv: DefaultAPIKeyEnv,
		}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			issues := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				issues = append(issues, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(issues, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		name := provider.Normalize(p.Name)
		if seen[name] {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalidConfig, name)
		}
		seen[name] = true

		if p.RateLimit != nil {
			if err := p.RateLimit.Validate(); err != nil {
				return fmt.Errorf("%w: provider %s: %w", ErrInvalidConfig, name, err)
			}
		}
	}

	if c.DefaultProvider != "" && !seen[provider.Normalize(c.DefaultProvider)] {
		return fmt.Errorf("%w: default provider %q is not configured", ErrInvalidConfig, c.DefaultProvider)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cache defaults
	v.SetDefault("cache.max_size_bytes", 50*1024*1024)
	v.SetDefault("cache.default_ttl", "1h")

	// Rate limit defaults
	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window", "1m")

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.backoff_multiplier", 2.0)

	// Batch defaults
	v.SetDefault("batch.batch_size", 10)
	v.SetDefault("batch.processing_delay", "100ms")

	v.SetDefault("default_provider", "")
	v.SetDefault("circuit_breaker", false)
	v.SetDefault("single_flight", true)
	v.SetDefault("max_prompt_length", 100000)

	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
