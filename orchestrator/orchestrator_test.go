package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/JohnPlummer/llm-orchestrator/batch"
	"github.com/JohnPlummer/llm-orchestrator/metrics"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
	"github.com/JohnPlummer/llm-orchestrator/provider"
	"github.com/JohnPlummer/llm-orchestrator/ratelimit"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// mockProvider answers with scripted errors, then with "answer: <prompt>".
type mockProvider struct {
	name  string
	mu    sync.Mutex
	errs  []error
	reply string
	gate  chan struct{}
	calls atomic.Int32
}

func newMockProvider(name string) *mockProvider {
	return &mockProvider{name: name}
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Complete(ctx context.Context, prompt string, opts provider.Options) (string, error) {
	n := int(m.calls.Add(1))

	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= len(m.errs) {
		return "", m.errs[n-1]
	}
	if m.reply != "" {
		return m.reply, nil
	}
	return "answer: " + prompt, nil
}

func (m *mockProvider) failWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = errs
}

func counterValue(reg *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metricLoop
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func testConfig() orchestrator.Config {
	return orchestrator.NewDefaultConfig().
		WithRetry(retry.DefaultConfig().
			WithMaxRetries(2).
			WithDelays(time.Millisecond, 5*time.Millisecond)).
		WithBatch(batch.DefaultConfig().WithProcessingDelay(time.Millisecond))
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx    context.Context
		mock   *mockProvider
		config orchestrator.Config
		reg    *prometheus.Registry
		logs   *bytes.Buffer
		orch   *orchestrator.Orchestrator
	)

	newOrchestrator := func(providers ...provider.Provider) *orchestrator.Orchestrator {
		o, err := orchestrator.New(config, providers,
			orchestrator.WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
			orchestrator.WithMetrics(metrics.NewRecorder(reg, "")))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = o.Close(shutdownCtx)
		})
		return o
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = newMockProvider("mock")
		config = testConfig()
		reg = prometheus.NewRegistry()
		logs = &bytes.Buffer{}
	})

	Describe("New", func() {
		It("should require at least one provider", func() {
			_, err := orchestrator.New(config, nil)
			Expect(err).To(MatchError(orchestrator.ErrNoProviders))
		})

		It("should reject an invalid config", func() {
			config.Retry.BaseDelay = 0
			_, err := orchestrator.New(config, []provider.Provider{mock})
			Expect(errors.Is(err, orchestrator.ErrInvalidConfig)).To(BeTrue())
		})

		It("should reject a default provider that is not registered", func() {
			config = config.WithDefaultProvider("missing")
			_, err := orchestrator.New(config, []provider.Provider{mock})
			Expect(errors.Is(err, orchestrator.ErrInvalidConfig)).To(BeTrue())
		})

		It("should reject duplicate provider names", func() {
			_, err := orchestrator.New(config, []provider.Provider{mock, newMockProvider("MOCK")})
			Expect(errors.Is(err, orchestrator.ErrInvalidConfig)).To(BeTrue())
			Expect(errors.Is(err, provider.ErrProviderAlreadyRegistered)).To(BeTrue())
		})

		It("should list registered providers", func() {
			orch = newOrchestrator(mock, provider.NewEcho("echo"))
			Expect(orch.Providers()).To(Equal([]string{"echo", "mock"}))
		})
	})

	Describe("Complete", func() {
		BeforeEach(func() {
			orch = newOrchestrator(mock)
		})

		It("should return the provider answer", func() {
			res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Text).To(Equal("answer: hello"))
			Expect(res.Provider).To(Equal("mock"))
			Expect(res.Cached).To(BeFalse())
			Expect(res.Attempts).To(Equal(1))
			Expect(res.Fingerprint).To(HavePrefix("mock:"))
		})

		It("should use the only provider as the default", func() {
			res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Provider).To(Equal("mock"))
		})

		It("should resolve provider names case-insensitively", func() {
			res, err := orch.Complete(ctx, orchestrator.Request{Provider: " Mock ", Prompt: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Provider).To(Equal("mock"))
		})

		It("should reject unknown providers", func() {
			_, err := orch.Complete(ctx, orchestrator.Request{Provider: "other", Prompt: "hello"})
			Expect(errors.Is(err, orchestrator.ErrUnknownProvider)).To(BeTrue())
			Expect(mock.calls.Load()).To(BeZero())
		})

		It("should reject empty prompts before calling the provider", func() {
			_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "  \n"})
			Expect(err).To(MatchError(orchestrator.ErrEmptyPrompt))
			Expect(mock.calls.Load()).To(BeZero())
		})

		Context("with caching", func() {
			It("should serve repeated requests from the cache", func() {
				first, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())

				second, err := orch.Complete(ctx, orchestrator.Request{Prompt: "  hello  "})
				Expect(err).NotTo(HaveOccurred())
				Expect(second.Cached).To(BeTrue())
				Expect(second.Attempts).To(BeZero())
				Expect(second.Text).To(Equal(first.Text))
				Expect(second.Fingerprint).To(Equal(first.Fingerprint))
				Expect(mock.calls.Load()).To(Equal(int32(1)))

				stats := orch.CacheStats()
				Expect(stats.Hits).To(Equal(uint64(1)))
				Expect(stats.Count).To(Equal(1))
			})

			It("should treat different options as different requests", func() {
				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())

				res, err := orch.Complete(ctx, orchestrator.Request{
					Prompt:  "hello",
					Options: provider.Options{Temperature: provider.Temperature(0.2)},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Cached).To(BeFalse())
				Expect(mock.calls.Load()).To(Equal(int32(2)))
			})

			It("should bypass the cache when asked", func() {
				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())

				res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello", SkipCache: true})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Cached).To(BeFalse())
				Expect(mock.calls.Load()).To(Equal(int32(2)))
			})

			It("should not cache failures", func() {
				mock.failWith(retry.FromStatus("mock", 400, "bad prompt", nil))

				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).To(HaveOccurred())

				res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Cached).To(BeFalse())
			})

			It("should record outcomes in metrics", func() {
				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())
				_, err = orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())

				Expect(counterValue(reg, "llm_orchestrator_requests_total",
					map[string]string{"provider": "mock", "outcome": "success"})).To(Equal(1.0))
				Expect(counterValue(reg, "llm_orchestrator_requests_total",
					map[string]string{"provider": "mock", "outcome": "cache_hit"})).To(Equal(1.0))
			})
		})

		Context("with retries", func() {
			It("should retry transient failures", func() {
				mock.failWith(retry.FromStatus("mock", 503, "overloaded", nil))

				res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Attempts).To(Equal(2))
				Expect(mock.calls.Load()).To(Equal(int32(2)))
			})

			It("should return the last error after exhausting retries", func() {
				last := retry.FromStatus("mock", 429, "slow down", nil)
				mock.failWith(
					retry.FromStatus("mock", 503, "overloaded", nil),
					retry.FromStatus("mock", 502, "bad gateway", nil),
					last)

				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).To(BeIdenticalTo(error(last)))
				Expect(mock.calls.Load()).To(Equal(int32(3)))
			})

			It("should not retry fatal failures", func() {
				mock.failWith(retry.FromStatus("mock", 401, "bad key", nil))

				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(retry.Classify(err)).To(Equal(retry.KindAuth))
				Expect(mock.calls.Load()).To(Equal(int32(1)))
			})

			It("should treat blank answers as empty responses", func() {
				mock.reply = "   "

				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(errors.Is(err, orchestrator.ErrEmptyResponse)).To(BeTrue())
				Expect(retry.Classify(err)).To(Equal(retry.KindEmptyResponse))
				Expect(mock.calls.Load()).To(Equal(int32(1)))
			})
		})
	})

	Describe("Rate limiting", func() {
		It("should delay requests beyond the provider quota", func() {
			config = config.WithProviderLimit("mock", ratelimit.Config{Limit: 2, Window: 150 * time.Millisecond})
			orch = newOrchestrator(mock)

			start := time.Now()
			for i := 0; i < 3; i++ {
				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: fmt.Sprintf("prompt %d", i)})
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(time.Since(start)).To(BeNumerically(">=", 100*time.Millisecond))
			Expect(mock.calls.Load()).To(Equal(int32(3)))
		})

		It("should give up when the context ends while waiting", func() {
			config = config.WithProviderLimit("mock", ratelimit.Config{Limit: 1, Window: time.Minute})
			orch = newOrchestrator(mock)

			_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "first"})
			Expect(err).NotTo(HaveOccurred())

			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			_, err = orch.Complete(waitCtx, orchestrator.Request{Prompt: "second"})
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(mock.calls.Load()).To(Equal(int32(1)))
		})

		It("should count every attempt against the quota", func() {
			mock.failWith(retry.FromStatus("mock", 503, "overloaded", nil))
			orch = newOrchestrator(mock)

			_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
			Expect(err).NotTo(HaveOccurred())

			info := orch.RateLimits()["mock"]
			Expect(info.Remaining).To(Equal(ratelimit.DefaultLimit - 2))
		})
	})

	Describe("Single flight", func() {
		It("should collapse concurrent identical requests into one call", func() {
			mock.gate = make(chan struct{})
			orch = newOrchestrator(mock)

			const callers = 5
			results := make([]*orchestrator.Result, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "same"})
					Expect(err).NotTo(HaveOccurred())
					results[i] = res
				}(i)
			}

			Eventually(mock.calls.Load).Should(Equal(int32(1)))
			time.Sleep(50 * time.Millisecond)
			close(mock.gate)
			wg.Wait()

			Expect(mock.calls.Load()).To(Equal(int32(1)))
			leaders := 0
			for _, res := range results {
				Expect(res.Text).To(Equal("answer: same"))
				if res.Shared {
					Expect(res.Attempts).To(BeZero())
				} else {
					leaders++
					Expect(res.Attempts).To(Equal(1))
				}
			}
			Expect(leaders).To(Equal(1))
		})

		It("should finish the shared call when the first caller gives up", func() {
			mock.gate = make(chan struct{})
			orch = newOrchestrator(mock)

			leaderCtx, cancel := context.WithCancel(ctx)
			leaderErr := make(chan error, 1)
			go func() {
				_, err := orch.Complete(leaderCtx, orchestrator.Request{Prompt: "same"})
				leaderErr <- err
			}()
			Eventually(mock.calls.Load).Should(Equal(int32(1)))

			followerRes := make(chan *orchestrator.Result, 1)
			go func() {
				defer GinkgoRecover()
				res, err := orch.Complete(ctx, orchestrator.Request{Prompt: "same"})
				Expect(err).NotTo(HaveOccurred())
				followerRes <- res
			}()
			time.Sleep(20 * time.Millisecond)

			cancel()
			Eventually(leaderErr).Should(Receive(MatchError(context.Canceled)))

			close(mock.gate)
			var res *orchestrator.Result
			Eventually(followerRes).Should(Receive(&res))
			Expect(res.Text).To(Equal("answer: same"))
			Expect(res.Shared).To(BeTrue())
			Expect(res.Attempts).To(BeZero())
			Expect(mock.calls.Load()).To(Equal(int32(1)))
		})

		It("should call the provider per request when disabled", func() {
			config = config.WithSingleFlight(false)
			orch = newOrchestrator(mock)

			var wg sync.WaitGroup
			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "same", SkipCache: true})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()
			Expect(mock.calls.Load()).To(Equal(int32(3)))
		})
	})

	Describe("Circuit breaker", func() {
		BeforeEach(func() {
			config = config.
				WithRetry(retry.DefaultConfig().WithMaxRetries(0).WithDelays(time.Millisecond, time.Millisecond)).
				WithCircuitBreakerConfig(&orchestrator.CircuitBreakerConfig{
					MaxRequests: 1,
					Timeout:     time.Minute,
					ReadyToTrip: func(counts gobreaker.Counts) bool {
						return counts.ConsecutiveFailures >= 2
					},
				})
		})

		It("should open after repeated provider failures", func() {
			server := retry.FromStatus("mock", 500, "boom", nil)
			mock.failWith(server, server, server)
			orch = newOrchestrator(mock)

			for i := 0; i < 2; i++ {
				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).To(MatchError(server))
			}

			_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
			Expect(orchestrator.IsCircuitOpen(err)).To(BeTrue())
			Expect(mock.calls.Load()).To(Equal(int32(2)))

			health := orch.Health()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.Status).To(Equal("unavailable"))
			Expect(logs.String()).To(ContainSubstring("Circuit breaker state changed"))
		})

		It("should not open on rate limit errors", func() {
			limited := retry.FromStatus("mock", 429, "slow down", nil)
			mock.failWith(limited, limited, limited)
			orch = newOrchestrator(mock)

			for i := 0; i < 3; i++ {
				_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
				Expect(err).To(MatchError(limited))
			}
			Expect(orch.Health().Healthy).To(BeTrue())
		})

		It("should report degraded health when one provider is open", func() {
			server := retry.FromStatus("mock", 500, "boom", nil)
			mock.failWith(server, server)
			orch = newOrchestrator(mock, provider.NewEcho("echo"))

			for i := 0; i < 2; i++ {
				_, err := orch.Complete(ctx, orchestrator.Request{Provider: "mock", Prompt: "hello"})
				Expect(err).To(HaveOccurred())
			}

			health := orch.Health()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.Status).To(Equal("degraded (1/2 providers available)"))
		})
	})

	Describe("Batching", func() {
		BeforeEach(func() {
			orch = newOrchestrator(mock)
		})

		It("should complete submitted requests", func() {
			res, err := orch.Submit(ctx, orchestrator.Request{Prompt: "queued"}, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Text).To(Equal("answer: queued"))
		})

		It("should return provider errors from submitted requests", func() {
			mock.failWith(retry.FromStatus("mock", 400, "bad prompt", nil))

			_, err := orch.Submit(ctx, orchestrator.Request{Prompt: "queued"}, 0)
			Expect(retry.Classify(err)).To(Equal(retry.KindBadRequest))
		})

		It("should deliver asynchronous results", func() {
			id, done, err := orch.SubmitAsync(orchestrator.Request{ID: "req-1", Prompt: "later"}, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("req-1"))

			var resp batch.Response[*orchestrator.Result]
			Eventually(done).Should(Receive(&resp))
			Expect(resp.Status).To(Equal(batch.StatusCompleted))
			Expect(resp.Result.Text).To(Equal("answer: later"))

			status, ok := orch.Batch().Status("req-1")
			Expect(ok).To(BeTrue())
			Expect(status.Status).To(Equal(batch.StatusCompleted))
		})

		It("should reject submissions after close", func() {
			Expect(orch.Close(ctx)).To(Succeed())
			_, _, err := orch.SubmitAsync(orchestrator.Request{Prompt: "late"}, 0)
			Expect(err).To(MatchError(batch.ErrShutdown))
		})
	})

	Describe("Health", func() {
		It("should report component details", func() {
			orch = newOrchestrator(mock)
			_, err := orch.Complete(ctx, orchestrator.Request{Prompt: "hello"})
			Expect(err).NotTo(HaveOccurred())

			health := orch.Health()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.Status).To(Equal("healthy"))
			Expect(health.Details).To(HaveKey("cache"))
			Expect(health.Details).To(HaveKeyWithValue("queue_size", 0))

			providers := health.Details["providers"].(map[string]interface{})
			mockDetails := providers["mock"].(map[string]interface{})
			Expect(mockDetails).To(HaveKeyWithValue("healthy", true))
			Expect(mockDetails).To(HaveKey("rate_limit"))
		})
	})
})
