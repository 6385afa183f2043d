package orchestrator_test

import (
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"

	"github.com/JohnPlummer/llm-orchestrator/cache"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
	"github.com/JohnPlummer/llm-orchestrator/ratelimit"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

var _ = Describe("Config", func() {
	Describe("NewDefaultConfig", func() {
		It("should enable single flight without a circuit breaker", func() {
			config := orchestrator.NewDefaultConfig()
			Expect(config.SingleFlight).To(BeTrue())
			Expect(config.EnableCircuitBreaker).To(BeFalse())
			Expect(config.MaxPromptLength).To(Equal(orchestrator.DefaultMaxPromptLength))
			Expect(config.Cache).To(Equal(cache.DefaultConfig()))
			Expect(config.Validate()).To(Succeed())
		})
	})

	Describe("NewProductionConfig", func() {
		It("should enable the circuit breaker", func() {
			config := orchestrator.NewProductionConfig()
			Expect(config.EnableCircuitBreaker).To(BeTrue())
			Expect(config.CircuitBreakerConfig).NotTo(BeNil())
			Expect(config.Validate()).To(Succeed())
		})
	})

	Describe("With methods", func() {
		It("should not share provider limit maps between copies", func() {
			base := orchestrator.NewDefaultConfig().
				WithProviderLimit("openai", ratelimit.Config{Limit: 10, Window: time.Second})
			derived := base.WithProviderLimit("echo", ratelimit.Config{Limit: 5, Window: time.Second})

			Expect(base.ProviderLimits).To(HaveLen(1))
			Expect(derived.ProviderLimits).To(HaveLen(2))
		})

		It("should chain settings", func() {
			config := orchestrator.NewDefaultConfig().
				WithDefaultProvider("openai").
				WithSingleFlight(false).
				WithMaxPromptLength(500).
				WithCache(cache.DefaultConfig().WithMaxSize(1024))

			Expect(config.DefaultProvider).To(Equal("openai"))
			Expect(config.SingleFlight).To(BeFalse())
			Expect(config.MaxPromptLength).To(Equal(500))
			Expect(config.Cache.MaxSizeBytes).To(Equal(int64(1024)))
		})
	})

	Describe("Validate", func() {
		DescribeTable("invalid configs",
			func(mutate func(*orchestrator.Config)) {
				config := orchestrator.NewDefaultConfig()
				mutate(&config)
				err := config.Validate()
				Expect(errors.Is(err, orchestrator.ErrInvalidConfig)).To(BeTrue())
			},
			Entry("zero cache size", func(c *orchestrator.Config) { c.Cache.MaxSizeBytes = 0 }),
			Entry("negative rate limit", func(c *orchestrator.Config) { c.RateLimit.Limit = -1 }),
			Entry("bad provider limit", func(c *orchestrator.Config) {
				*c = c.WithProviderLimit("openai", ratelimit.Config{Limit: 1, Window: -time.Second})
			}),
			Entry("negative retries", func(c *orchestrator.Config) { c.Retry.MaxRetries = -1 }),
			Entry("zero batch size", func(c *orchestrator.Config) { c.Batch.BatchSize = 0 }),
			Entry("negative prompt length", func(c *orchestrator.Config) { c.MaxPromptLength = -1 }),
			Entry("breaker without config", func(c *orchestrator.Config) {
				c.EnableCircuitBreaker = true
				c.CircuitBreakerConfig = nil
			}),
		)
	})

	Describe("DefaultCircuitBreakerConfig", func() {
		var readyToTrip func(gobreaker.Counts) bool

		BeforeEach(func() {
			readyToTrip = orchestrator.DefaultCircuitBreakerConfig().ReadyToTrip
		})

		It("should trip after five consecutive failures", func() {
			Expect(readyToTrip(gobreaker.Counts{Requests: 5, TotalFailures: 5, ConsecutiveFailures: 5})).To(BeTrue())
			Expect(readyToTrip(gobreaker.Counts{Requests: 4, TotalFailures: 4, ConsecutiveFailures: 4})).To(BeFalse())
		})

		It("should trip on a high failure ratio over enough requests", func() {
			Expect(readyToTrip(gobreaker.Counts{Requests: 10, TotalFailures: 7, ConsecutiveFailures: 1})).To(BeTrue())
			Expect(readyToTrip(gobreaker.Counts{Requests: 10, TotalFailures: 6, ConsecutiveFailures: 1})).To(BeFalse())
			Expect(readyToTrip(gobreaker.Counts{Requests: 5, TotalFailures: 4, ConsecutiveFailures: 1})).To(BeFalse())
		})
	})
})

var _ = Describe("ShouldTripCircuit", func() {
	DescribeTable("classification",
		func(err error, expected bool) {
			Expect(orchestrator.ShouldTripCircuit(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("rate limited", retry.FromStatus("openai", 429, "slow down", nil), false),
		Entry("timeout", retry.NewError(retry.KindTimeout, "openai", "slow", nil), false),
		Entry("bad request", retry.FromStatus("openai", 400, "bad", nil), false),
		Entry("empty response", retry.NewError(retry.KindEmptyResponse, "openai", "empty", nil), false),
		Entry("server error", retry.FromStatus("openai", 500, "boom", nil), true),
		Entry("auth failure", retry.FromStatus("openai", 401, "bad key", nil), true),
		Entry("connection refused", retry.NewError(retry.KindConnectionRefused, "openai", "refused", nil), true),
		Entry("openai 503", &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}, true),
		Entry("unclassified", errors.New("something odd"), true),
	)
})

var _ = Describe("IsCircuitOpen", func() {
	It("should recognize wrapped breaker rejections", func() {
		Expect(orchestrator.IsCircuitOpen(fmt.Errorf("provider x: %w", gobreaker.ErrOpenState))).To(BeTrue())
		Expect(orchestrator.IsCircuitOpen(gobreaker.ErrTooManyRequests)).To(BeTrue())
		Expect(orchestrator.IsCircuitOpen(errors.New("other"))).To(BeFalse())
	})
})

var _ = Describe("Validation", func() {
	opts := orchestrator.ValidationOptions{MaxLength: 10}

	Describe("ValidatePrompt", func() {
		It("should accept prompts within the limit", func() {
			result := orchestrator.ValidatePrompt("  hello  ", opts)
			Expect(result.Valid).To(BeTrue())
			Expect(result.Issues).To(BeEmpty())
		})

		It("should distinguish empty from whitespace prompts", func() {
			Expect(orchestrator.ValidatePrompt("", opts).Issues).To(ConsistOf("prompt is empty"))
			Expect(orchestrator.ValidatePrompt(" \t", opts).Issues).To(ConsistOf("prompt contains only whitespace"))
		})

		It("should count characters rather than bytes", func() {
			Expect(orchestrator.ValidatePrompt("héllo wörl", opts).Valid).To(BeTrue())
			Expect(orchestrator.ValidatePrompt("héllo wörld", opts).Valid).To(BeFalse())
		})

		It("should skip the length check when unlimited", func() {
			long := strings.Repeat("a", orchestrator.DefaultMaxPromptLength+1)
			Expect(orchestrator.ValidatePrompt(long, orchestrator.ValidationOptions{}).Valid).To(BeTrue())
			Expect(orchestrator.ValidatePrompt(long, orchestrator.DefaultValidationOptions()).Valid).To(BeFalse())
		})
	})

	Describe("ValidateRequest", func() {
		It("should return sentinel errors", func() {
			Expect(orchestrator.ValidateRequest(orchestrator.Request{Prompt: " "}, opts)).
				To(MatchError(orchestrator.ErrEmptyPrompt))
			Expect(errors.Is(orchestrator.ValidateRequest(orchestrator.Request{Prompt: strings.Repeat("x", 11)}, opts),
				orchestrator.ErrPromptTooLong)).To(BeTrue())
			Expect(orchestrator.ValidateRequest(orchestrator.Request{Prompt: "ok"}, opts)).To(Succeed())
		})
	})

	Describe("ValidateRequests", func() {
		It("should report each request", func() {
			results, err := orchestrator.ValidateRequests([]orchestrator.Request{
				{Prompt: "fine"},
				{Prompt: ""},
			}, opts)
			Expect(err).To(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].Valid).To(BeTrue())
			Expect(results[1].Valid).To(BeFalse())
		})

		It("should reject an empty batch", func() {
			_, err := orchestrator.ValidateRequests(nil, opts)
			Expect(err).To(HaveOccurred())
		})
	})
})
