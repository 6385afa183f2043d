// Package ratelimit keeps outbound provider calls under a per-provider quota
// using a sliding window of recent call timestamps.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JohnPlummer/llm-orchestrator/metrics"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Config is the quota of a single limiter: at most Limit calls per Window.
type Config struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// DefaultConfig returns 60 calls per minute
func DefaultConfig() Config {
	return Config{
		Limit:  DefaultLimit,
		Window: DefaultWindow,
	}
}

// Validate checks if the config is valid
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Info describes a limiter's capacity at one instant. RetryAfter is zero
// unless Remaining is zero.
type Info struct {
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter is a goroutine-safe sliding-window limiter for one provider.
type Limiter struct {
	mu         sync.Mutex
	name       string
	config     Config
	timestamps []time.Time

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Limiter or Registry
type Option func(*options)

type options struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records waits and remaining capacity on m
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a limiter identified by name. Zero config fields take their
// defaults.
func New(name string, config Config, opts ...Option) *Limiter {
	o := buildOptions(opts)
	return newLimiter(name, config, o)
}

func newLimiter(name string, config Config, o options) *Limiter {
	config = config.withDefaults()
	return &Limiter{
		name:       name,
		config:     config,
		timestamps: make([]time.Time, 0, config.Limit),
		now:        o.now,
		logger:     o.logger,
		metrics:    o.metrics,
	}
}

// Name returns the provider the limiter belongs to
func (l *Limiter) Name() string {
	return l.name
}

// Config returns the limiter's quota
func (l *Limiter) Config() Config {
	return l.config
}

// IsAllowed reports whether a call made now would stay within the quota. It
// does not record the call; pair it with AddRequest, or use Reserve to do
// both atomically.
func (l *Limiter) IsAllowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purge(l.now())
	return len(l.timestamps) < l.config.Limit
}

// AddRequest records a call made now.
func (l *Limiter) AddRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)
	l.timestamps = append(l.timestamps, now)
	l.metrics.SetRateLimitRemaining(l.name, l.remaining())
}

// Reserve records a call if capacity remains and reports whether it did.
func (l *Limiter) Reserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)
	if len(l.timestamps) >= l.config.Limit {
		return false
	}
	l.timestamps = append(l.timestamps, now)
	l.metrics.SetRateLimitRemaining(l.name, l.remaining())
	return true
}

// Info returns the current capacity
func (l *Limiter) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.info(l.now())
}

func (l *Limiter) info(now time.Time) Info {
	l.purge(now)

	info := Info{
		Limit:     l.config.Limit,
		Remaining: l.remaining(),
		ResetTime: now,
	}
	if len(l.timestamps) > 0 {
		info.ResetTime = l.timestamps[0].Add(l.config.Window)
	}
	if info.Remaining == 0 {
		info.RetryAfter = info.ResetTime.Sub(now)
		if info.RetryAfter < 0 {
			info.RetryAfter = 0
		}
	}
	return info
}

// WaitForSlot blocks until a call made now would be admitted. It does not
// record the call. The wait ends early with ctx's error when ctx is done.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	start := l.now()
	waited := false

	for {
		l.mu.Lock()
		info := l.info(l.now())
		l.mu.Unlock()

		if info.Remaining > 0 {
			if waited {
				l.metrics.RecordRateLimitWait(l.name, l.now().Sub(start))
			}
			return nil
		}

		l.logger.Debug("Rate limit reached, waiting for slot",
			"provider", l.name,
			"limit", info.Limit,
			"retry_after", info.RetryAfter)
		waited = true

		timer := time.NewTimer(info.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Acquire waits for capacity and records the call in one step.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.Reserve() {
			return nil
		}
		if err := l.WaitForSlot(ctx); err != nil {
			return err
		}
	}
}

// purge drops timestamps that are a full window old or older. Must be called
// with l.mu held.
func (l *Limiter) purge(now time.Time) {
	cutoff := now.Add(-l.config.Window)

	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

func (l *Limiter) remaining() int {
	r := l.config.Limit - len(l.timestamps)
	if r < 0 {
		return 0
	}
	return r
}
