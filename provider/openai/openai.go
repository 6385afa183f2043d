// Package openai adapts the go-openai chat completion client to the
// provider.Provider contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/JohnPlummer/llm-orchestrator/provider"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

const DefaultName = "openai"

// ChatClient defines the interface for interacting with OpenAI API
type ChatClient interface {
	CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config holds adapter settings
type Config struct {
	Name    string
	APIKey  string
	BaseURL string // Optional, for OpenAI-compatible endpoints
	Model   string
}

// Adapter implements provider.Provider over the chat completions API
type Adapter struct {
	name   string
	client ChatClient
	model  string
}

// New creates an adapter with a real go-openai client
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return NewWithClient(cfg.Name, openai.NewClientWithConfig(clientConfig), cfg.Model), nil
}

// NewWithClient creates an adapter over a custom client
func NewWithClient(name string, client ChatClient, model string) *Adapter {
	if name == "" {
		name = DefaultName
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Adapter{
		name:   name,
		client: client,
		model:  model,
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return a.name
}

// Complete sends prompt as a single user message and returns the first
// choice's text.
func (a *Adapter) Complete(ctx context.Context, prompt string, opts provider.Options) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(prompt, opts))
	if err != nil {
		return "", a.classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", retry.NewError(retry.KindEmptyResponse, a.name, "OpenAI returned empty response with no choices", nil)
	}

	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", retry.NewError(retry.KindEmptyResponse, a.name, "OpenAI returned an empty message", nil)
	}
	return text, nil
}

func (a *Adapter) buildRequest(prompt string, opts provider.Options) openai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = a.model
	}

	var messages []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	return req
}

// classify turns client failures into *retry.Error
func (a *Adapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := retry.FromStatus(a.name, apiErr.HTTPStatusCode, apiErr.Message, err)
		if apiErr.Code != nil {
			e.Code = fmt.Sprint(apiErr.Code)
		}
		e.Kind = retry.Classify(err)
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := "OpenAI request failed"
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return retry.FromStatus(a.name, reqErr.HTTPStatusCode, msg, err)
	}

	return retry.NewError(retry.Classify(err), a.name, "", err)
}
