package openai_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/JohnPlummer/llm-orchestrator/provider"
	"github.com/JohnPlummer/llm-orchestrator/provider/openai"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// mockChatClient records the last request and replays a canned response.
type mockChatClient struct {
	response    goopenai.ChatCompletionResponse
	err         error
	lastRequest goopenai.ChatCompletionRequest
	deadline    bool
	calls       int
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	m.calls++
	m.lastRequest = req
	_, m.deadline = ctx.Deadline()
	return m.response, m.err
}

func reply(text string) goopenai.ChatCompletionResponse {
	return goopenai.ChatCompletionResponse{
		Choices: []goopenai.ChatCompletionChoice{
			{Message: goopenai.ChatCompletionMessage{Content: text}},
		},
	}
}

var _ = Describe("Adapter", func() {
	var (
		client  *mockChatClient
		adapter *openai.Adapter
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &mockChatClient{}
		adapter = openai.NewWithClient("", client, "")
	})

	It("should default its name and model", func() {
		Expect(adapter.Name()).To(Equal(openai.DefaultName))

		client.response = reply("ok")
		_, err := adapter.Complete(ctx, "hi", provider.Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(client.lastRequest.Model).To(Equal(goopenai.GPT4oMini))
	})

	It("should require an API key", func() {
		_, err := openai.New(openai.Config{})
		Expect(err).To(HaveOccurred())

		a, err := openai.New(openai.Config{APIKey: "sk-test", Name: "primary", BaseURL: "http://localhost:1234/v1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Name()).To(Equal("primary"))
	})

	Describe("Request building", func() {
		It("should send the prompt and options", func() {
			client.response = reply("answer")

			text, err := adapter.Complete(ctx, "question", provider.Options{
				Model:        "gpt-4o",
				Temperature:  provider.Temperature(0.5),
				MaxTokens:    64,
				SystemPrompt: "be brief",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(text).To(Equal("answer"))

			req := client.lastRequest
			Expect(req.Model).To(Equal("gpt-4o"))
			Expect(req.MaxTokens).To(Equal(64))
			Expect(req.Temperature).To(BeNumerically("~", 0.5, 0.001))
			Expect(req.Messages).To(HaveLen(2))
			Expect(req.Messages[0].Role).To(Equal(goopenai.ChatMessageRoleSystem))
			Expect(req.Messages[1].Role).To(Equal(goopenai.ChatMessageRoleUser))
			Expect(req.Messages[1].Content).To(Equal("question"))
		})

		It("should apply the per-call timeout", func() {
			client.response = reply("ok")

			_, err := adapter.Complete(ctx, "hi", provider.Options{Timeout: time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(client.deadline).To(BeTrue())
		})
	})

	Describe("Error classification", func() {
		It("should classify rate limits as retryable", func() {
			client.err = &goopenai.APIError{
				Code:           "rate_limit_exceeded",
				Message:        "Rate limit exceeded",
				HTTPStatusCode: 429,
			}

			_, err := adapter.Complete(ctx, "hi", provider.Options{})

			var classified *retry.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.Kind).To(Equal(retry.KindRateLimited))
			Expect(classified.Code).To(Equal("rate_limit_exceeded"))
			Expect(classified.StatusCode).To(Equal(429))
			Expect(classified.Provider).To(Equal("openai"))
			Expect(retry.IsRetryable(err)).To(BeTrue())
		})

		It("should classify authentication failures as fatal", func() {
			client.err = &goopenai.APIError{
				Code:           "invalid_api_key",
				Message:        "Invalid API key",
				HTTPStatusCode: 401,
			}

			_, err := adapter.Complete(ctx, "hi", provider.Options{})
			Expect(retry.Classify(err)).To(Equal(retry.KindAuth))
			Expect(retry.IsRetryable(err)).To(BeFalse())
		})

		It("should classify request errors by status", func() {
			client.err = &goopenai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}

			_, err := adapter.Complete(ctx, "hi", provider.Options{})
			Expect(retry.Classify(err)).To(Equal(retry.KindServer))
		})

		It("should treat unsupported operations as fatal", func() {
			client.err = &goopenai.APIError{Message: "Not Implemented", HTTPStatusCode: 501}

			_, err := adapter.Complete(ctx, "hi", provider.Options{})
			Expect(retry.Classify(err)).To(Equal(retry.KindProviderFault))
			Expect(retry.IsRetryable(err)).To(BeFalse())
		})

		It("should classify transport timeouts", func() {
			client.err = context.DeadlineExceeded

			_, err := adapter.Complete(ctx, "hi", provider.Options{})
			Expect(retry.Classify(err)).To(Equal(retry.KindTimeout))
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})

		It("should report missing choices as an empty response", func() {
			client.response = goopenai.ChatCompletionResponse{}

			_, err := adapter.Complete(ctx, "hi", provider.Options{})
			Expect(retry.Classify(err)).To(Equal(retry.KindEmptyResponse))
		})

		It("should report blank content as an empty response", func() {
			client.response = reply("   ")

			_, err := adapter.Complete(ctx, "hi", provider.Options{})
			Expect(retry.Classify(err)).To(Equal(retry.KindEmptyResponse))
		})
	})
})
