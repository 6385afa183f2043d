package retry

import (
	"errors"
	"time"
)

const (
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0

	// jitterRatio bounds the random delay added on top of each computed backoff.
	jitterRatio = 0.1
)

// Config holds retry settings
type Config struct {
	MaxRetries        int           // Retries after the first attempt
	BaseDelay         time.Duration // Delay before the first retry
	MaxDelay          time.Duration // Upper bound for any single delay
	BackoffMultiplier float64       // Growth factor between consecutive delays
}

// DefaultConfig returns the default exponential backoff settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// WithMaxRetries sets the number of retries after the first attempt
func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

// WithDelays sets the base and maximum delays
func (c Config) WithDelays(base, max time.Duration) Config {
	c.BaseDelay = base
	c.MaxDelay = max
	return c
}

// WithBackoffMultiplier sets the growth factor between delays
func (c Config) WithBackoffMultiplier(m float64) Config {
	c.BackoffMultiplier = m
	return c
}

// Validate checks if the config is valid
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("retry MaxRetries must be non-negative")
	}
	if c.BaseDelay <= 0 {
		return errors.New("retry BaseDelay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.New("retry MaxDelay must not be less than BaseDelay")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("retry BackoffMultiplier must be at least 1")
	}
	return nil
}
