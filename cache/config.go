package cache

import (
	"errors"
	"time"
)

const (
	DefaultMaxSizeBytes int64 = 50 * 1024 * 1024
	DefaultTTL                = time.Hour
)

// Config holds cache settings
type Config struct {
	MaxSizeBytes int64         // Upper bound on the summed size of live entries
	DefaultTTL   time.Duration // TTL used when Set is called with ttl <= 0
}

// DefaultConfig returns a 50 MiB cache with a one hour TTL.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes: DefaultMaxSizeBytes,
		DefaultTTL:   DefaultTTL,
	}
}

// WithMaxSize sets the byte budget
func (c Config) WithMaxSize(bytes int64) Config {
	c.MaxSizeBytes = bytes
	return c
}

// WithDefaultTTL sets the default entry lifetime
func (c Config) WithDefaultTTL(ttl time.Duration) Config {
	c.DefaultTTL = ttl
	return c
}

// Validate checks if the config is valid
func (c Config) Validate() error {
	if c.MaxSizeBytes <= 0 {
		return errors.New("cache MaxSizeBytes must be positive")
	}
	if c.DefaultTTL <= 0 {
		return errors.New("cache DefaultTTL must be positive")
	}
	return nil
}
