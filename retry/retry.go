// Package retry re-invokes provider calls that fail with transient errors,
// waiting an exponentially growing, jittered delay between attempts.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/JohnPlummer/llm-orchestrator/metrics"
)

// Operation is a single unit of retryable work.
type Operation func(ctx context.Context) error

// Controller wraps operations with classified-error retry logic
type Controller struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	jitter  func() float64
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger used for retry warnings
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records retry counts on the given recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithJitterSource replaces the random source used for jitter. fn must
// return values in [0, 1).
func WithJitterSource(fn func() float64) Option {
	return func(c *Controller) {
		c.jitter = fn
	}
}

// New creates a retry controller. A nil config selects DefaultConfig.
func New(config *Config, opts ...Option) *Controller {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}

	c := &Controller{
		config: *config,
		logger: slog.Default(),
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the controller settings
func (c *Controller) Config() Config {
	return c.config
}

// Retry executes operation up to MaxRetries+1 times. Fatal errors are
// returned after the first attempt; when retries are exhausted the last
// error is returned unchanged.
func (c *Controller) Retry(ctx context.Context, operation Operation, label string) error {
	_, err := c.Run(ctx, label, operation)
	return err
}

// Run is Retry that also reports how many attempts were made.
func (c *Controller) Run(ctx context.Context, label string, operation Operation) (int, error) {
	var (
		attempts int
		lastErr  error
	)

	backoff := c.backoff(label, &attempts, &lastErr)

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			c.logger.Debug("Non-retryable error, giving up",
				"label", label,
				"kind", Classify(err).String(),
				"attempts", attempts,
				"error", err)
			return err
		}
		return goretry.RetryableError(err)
	})

	c.metrics.RecordRetryAttempts(label, attempts)

	if err == nil && attempts > 1 {
		c.logger.Info("Operation succeeded after retry",
			"label", label,
			"attempts", attempts)
	}
	return attempts, err
}

// Do runs a value-returning operation under the controller.
func Do[T any](ctx context.Context, c *Controller, label string, operation func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Retry(ctx, func(ctx context.Context) error {
		v, err := operation(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, label)
	return result, err
}

// Delay returns the wait before retry number attempt (1-indexed), jitter
// included and capped at MaxDelay.
func (c *Controller) Delay(attempt int) time.Duration {
	base := CalculateDelay(attempt, c.config)
	jitter := time.Duration(c.jitter() * jitterRatio * float64(base))

	delay := base + jitter
	if delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	return delay
}

// CalculateDelay returns the un-jittered delay for retry number attempt:
// BaseDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func CalculateDelay(attempt int, config Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(config.BaseDelay) * math.Pow(config.BackoffMultiplier, float64(attempt-1))
	if delay >= float64(config.MaxDelay) || math.IsInf(delay, 1) {
		return config.MaxDelay
	}
	return time.Duration(delay)
}

// backoff builds the go-retry schedule for one Run invocation. It logs each
// scheduled retry and stops after MaxRetries.
func (c *Controller) backoff(label string, attempts *int, lastErr *error) goretry.Backoff {
	var retryNumber int
	schedule := goretry.BackoffFunc(func() (time.Duration, bool) {
		retryNumber++
		return c.Delay(retryNumber), false
	})

	limited := goretry.WithMaxRetries(uint64(c.config.MaxRetries),
		goretry.WithCappedDuration(c.config.MaxDelay, schedule))

	return goretry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := limited.Next()
		if stop {
			c.logger.Warn("Max retry attempts reached",
				"label", label,
				"attempts", *attempts,
				"error", *lastErr)
			return 0, true
		}

		kind := Classify(*lastErr)
		c.metrics.RecordRetry(label, kind.String())
		c.logger.Warn("Retrying operation after delay",
			"label", label,
			"attempt", *attempts,
			"max_attempts", c.config.MaxRetries+1,
			"delay", delay,
			"kind", kind.String(),
			"error", *lastErr)
		return delay, false
	})
}
