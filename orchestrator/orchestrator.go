// Package orchestrator composes the cache, rate limiters, retry controller,
// circuit breakers and batch queue into a single completion pipeline.
//
// Every request follows the same sequence: validate, wait for rate limit
// capacity, look up the cache, collapse onto an identical in-flight call,
// then call the provider through its circuit breaker and the retry
// controller, and finally store the answer.
//
// Basic usage:
//
//	orch, err := orchestrator.New(orchestrator.NewDefaultConfig(),
//	    []provider.Provider{provider.NewEcho("echo")})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Close(ctx)
//	res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/JohnPlummer/llm-orchestrator/batch"
	"github.com/JohnPlummer/llm-orchestrator/cache"
	"github.com/JohnPlummer/llm-orchestrator/metrics"
	"github.com/JohnPlummer/llm-orchestrator/provider"
	"github.com/JohnPlummer/llm-orchestrator/ratelimit"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// Orchestrator routes completions to providers with caching, rate limiting,
// retries and batching.
type Orchestrator struct {
	config    Config
	providers *provider.Registry
	cache     *cache.Cache[string]
	limiters  *ratelimit.Registry
	retrier   *retry.Controller
	breakers  map[string]*gobreaker.CircuitBreaker[string]
	inflight  singleflight.Group
	batch     *batch.Processor[Request, *Result]
	validate  ValidationOptions

	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger passed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics records metrics for every component on m
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator over providers. When cfg names no default
// provider and exactly one provider is given, that one becomes the default.
func New(cfg Config, providers []provider.Provider, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	registry, err := provider.NewRegistry(providers...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cfg.DefaultProvider == "" && registry.Len() == 1 {
		cfg.DefaultProvider = registry.Names()[0]
	}
	if cfg.DefaultProvider != "" {
		if _, err := registry.Get(cfg.DefaultProvider); err != nil {
			return nil, fmt.Errorf("%w: default provider %q is not registered", ErrInvalidConfig, cfg.DefaultProvider)
		}
	}

	o := &Orchestrator{
		config:    cfg,
		providers: registry,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[string]),
		validate:  ValidationOptions{MaxLength: cfg.MaxPromptLength},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.cache = cache.New(cfg.Cache,
		cache.WithLogger[string](o.logger),
		cache.WithMetrics[string](o.metrics))
	o.limiters = ratelimit.NewRegistry(cfg.RateLimit, cfg.ProviderLimits,
		ratelimit.WithLogger(o.logger),
		ratelimit.WithMetrics(o.metrics))
	retryCfg := cfg.Retry
	o.retrier = retry.New(&retryCfg,
		retry.WithLogger(o.logger),
		retry.WithMetrics(o.metrics))

	if cfg.EnableCircuitBreaker {
		for _, name := range registry.Names() {
			o.breakers[name] = newCircuitBreaker(name, cfg.CircuitBreakerConfig, o.logger, o.metrics)
		}
	}

	o.batch = batch.New[Request, *Result](cfg.Batch,
		batch.WithLogger(o.logger),
		batch.WithMetrics(o.metrics))
	if err := o.batch.SetProcessor(o.processBatchItem); err != nil {
		return nil, err
	}

	o.logger.Info("Orchestrator created",
		"providers", registry.Names(),
		"default_provider", cfg.DefaultProvider,
		"circuit_breaker", cfg.EnableCircuitBreaker,
		"single_flight", cfg.SingleFlight,
		"max_retries", cfg.Retry.MaxRetries)

	return o, nil
}

// Complete runs one request through the full pipeline
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	p, err := o.resolve(req)
	if err != nil {
		return nil, err
	}
	name := provider.Normalize(p.Name())

	result, err := o.complete(ctx, p, name, req)
	duration := time.Since(start)
	o.metrics.RecordRequestDuration(name, duration)

	if err != nil {
		o.metrics.RecordRequest(name, "error")
		o.logger.Debug("Request failed",
			"provider", name,
			"kind", retry.Classify(err).String(),
			"error", err)
		return nil, err
	}

	result.Duration = duration
	switch {
	case result.Cached:
		o.metrics.RecordRequest(name, "cache_hit")
	case result.Shared:
		o.metrics.RecordRequest(name, "shared")
	default:
		o.metrics.RecordRequest(name, "success")
	}
	return result, nil
}

func (o *Orchestrator) complete(ctx context.Context, p provider.Provider, name string, req Request) (*Result, error) {
	limiter := o.limiters.Limiter(name)
	if err := limiter.WaitForSlot(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s rate limit: %w", name, err)
	}

	fingerprint, err := cache.Fingerprint(name, req.Prompt, req.Options.Map())
	if err != nil {
		o.logger.Warn("Failed to fingerprint request, bypassing cache",
			"provider", name,
			"error", err)
		fingerprint = ""
	}
	useCache := fingerprint != "" && !req.SkipCache

	if useCache {
		if text, ok := o.cache.Get(fingerprint); ok {
			return &Result{
				Text:        text,
				Provider:    name,
				Fingerprint: fingerprint,
				Cached:      true,
			}, nil
		}
	}

	call := func(ctx context.Context) (*Result, error) {
		text, attempts, err := o.execute(ctx, p, name, limiter, req)
		if err != nil {
			return nil, err
		}
		if useCache {
			o.cache.Set(fingerprint, text, req.CacheTTL)
		}
		return &Result{
			Text:        text,
			Provider:    name,
			Fingerprint: fingerprint,
			Attempts:    attempts,
		}, nil
	}

	if !useCache || !o.config.SingleFlight {
		return call(ctx)
	}

	// The shared call outlives a cancelled leader but keeps its deadline.
	// Every caller stops waiting when its own context ends.
	var leader bool
	ch := o.inflight.DoChan(fingerprint, func() (interface{}, error) {
		leader = true
		callCtx, cancel := detachCancel(ctx)
		defer cancel()
		return call(callCtx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	result := *res.Val.(*Result)
	if !leader {
		o.metrics.RecordSharedCall(name)
		result.Shared = true
		result.Attempts = 0
	}
	return &result, nil
}

// detachCancel returns a context that ignores ctx's cancellation but keeps
// its values and deadline.
func detachCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

// execute calls the provider through its breaker and the retry controller.
// Every attempt takes one rate limit slot.
func (o *Orchestrator) execute(ctx context.Context, p provider.Provider, name string, limiter *ratelimit.Limiter, req Request) (string, int, error) {
	var (
		text     string
		attempts int
	)

	attempt := func() (string, error) {
		n, err := o.retrier.Run(ctx, name, func(ctx context.Context) error {
			if err := limiter.Acquire(ctx); err != nil {
				return err
			}

			out, err := p.Complete(ctx, req.Prompt, req.Options)
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) == "" {
				return retry.NewError(retry.KindEmptyResponse, name, ErrEmptyResponse.Error(), ErrEmptyResponse)
			}
			text = out
			return nil
		})
		attempts = n
		return text, err
	}

	cb, ok := o.breakers[name]
	if !ok {
		out, err := attempt()
		return out, attempts, err
	}

	out, err := cb.Execute(attempt)
	if err != nil && IsCircuitOpen(err) {
		o.logger.Debug("Circuit breaker rejected request",
			"provider", name,
			"state", cb.State().String())
		return "", attempts, fmt.Errorf("provider %s unavailable: %w", name, err)
	}
	return out, attempts, err
}

func (o *Orchestrator) resolve(req Request) (provider.Provider, error) {
	if err := ValidateRequest(req, o.validate); err != nil {
		return nil, err
	}

	name := req.Provider
	if name == "" {
		name = o.config.DefaultProvider
	}
	if name == "" {
		return nil, fmt.Errorf("%w: request names no provider and no default is set", ErrUnknownProvider)
	}

	p, err := o.providers.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (o *Orchestrator) processBatchItem(ctx context.Context, item batch.Request[Request]) (*Result, error) {
	return o.Complete(ctx, item.Payload)
}

// Submit queues req with the given priority and waits for its result
func (o *Orchestrator) Submit(ctx context.Context, req Request, priority int) (*Result, error) {
	resp, err := o.batch.Submit(ctx, batch.Request[Request]{
		ID:       req.ID,
		Priority: priority,
		Payload:  req,
	})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// SubmitAsync queues req and returns its batch ID and a channel receiving
// the terminal response.
func (o *Orchestrator) SubmitAsync(req Request, priority int) (string, <-chan batch.Response[*Result], error) {
	return o.batch.SubmitAsync(batch.Request[Request]{
		ID:       req.ID,
		Priority: priority,
		Payload:  req,
	})
}

// Batch exposes the batch processor for status queries
func (o *Orchestrator) Batch() *batch.Processor[Request, *Result] {
	return o.batch
}

// CacheStats returns the response cache statistics
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// RateLimits returns the current capacity of every provider used so far
func (o *Orchestrator) RateLimits() map[string]ratelimit.Info {
	return o.limiters.Snapshot()
}

// Providers returns the registered provider names
func (o *Orchestrator) Providers() []string {
	return o.providers.Names()
}

// Health returns comprehensive health status. The orchestrator is unhealthy
// only when every provider's breaker is open.
func (o *Orchestrator) Health() HealthStatus {
	names := o.providers.Names()
	providers := make(map[string]interface{}, len(names))
	limits := o.limiters.Snapshot()

	available := 0
	for _, name := range names {
		details := map[string]interface{}{}
		healthy := true

		if cb, ok := o.breakers[name]; ok {
			var cbDetails map[string]interface{}
			healthy, cbDetails = breakerHealth(cb)
			details["circuit_breaker"] = cbDetails
		}
		if info, ok := limits[name]; ok {
			details["rate_limit"] = map[string]interface{}{
				"limit":      info.Limit,
				"remaining":  info.Remaining,
				"reset_time": info.ResetTime,
			}
		}
		details["healthy"] = healthy
		if healthy {
			available++
		}
		providers[name] = details
	}

	stats := o.cache.Stats()
	status := HealthStatus{
		Healthy: available > 0,
		Status:  "healthy",
		Details: map[string]interface{}{
			"providers": providers,
			"cache": map[string]interface{}{
				"entries":     stats.Count,
				"size_bytes":  stats.CurrentSize,
				"max_bytes":   stats.MaxSize,
				"hits":        stats.Hits,
				"misses":      stats.Misses,
				"evictions":   stats.Evictions,
				"expirations": stats.Expirations,
			},
			"queue_size":      o.batch.QueueSize(),
			"circuit_breaker": o.config.EnableCircuitBreaker,
			"single_flight":   o.config.SingleFlight,
		},
	}

	switch {
	case available == 0:
		status.Status = "unavailable"
	case available < len(names):
		status.Status = fmt.Sprintf("degraded (%d/%d providers available)", available, len(names))
	}
	return status
}

// Close stops accepting batch submissions and waits for queued work
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.batch.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	o.logger.Info("Orchestrator closed",
		"queued", o.batch.QueueSize(),
		"error", err)
	return err
}
