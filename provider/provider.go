// Package provider defines the contract between the orchestrator and the
// text-generation backends it calls.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// Provider produces a completion for a prompt. Implementations report
// failures as *retry.Error so the retry controller can classify them.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai")
	Name() string

	// Complete returns the generated text for prompt
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options tune a single completion. Zero fields mean "provider default".
type Options struct {
	Model        string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Extra        map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Map flattens the options that influence the generated text. Timeout is
// left out because it never changes the answer.
func (o Options) Map() map[string]any {
	m := make(map[string]any, len(o.Extra)+4)
	for k, v := range o.Extra {
		m[k] = v
	}
	if o.Model != "" {
		m["model"] = o.Model
	}
	if o.Temperature != nil {
		m["temperature"] = *o.Temperature
	}
	if o.MaxTokens > 0 {
		m["max_tokens"] = o.MaxTokens
	}
	if o.SystemPrompt != "" {
		m["system_prompt"] = o.SystemPrompt
	}
	return m
}

// Temperature returns a pointer to t, for use in Options literals
func Temperature(t float64) *float64 {
	return &t
}

// Func adapts a plain function to the Provider interface
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, prompt string, opts Options) (string, error)
}

// Name returns the configured provider name
func (f Func) Name() string {
	return f.ProviderName
}

// Complete calls the wrapped function
func (f Func) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return f.Fn(ctx, prompt, opts)
}

// Echo is an offline provider that answers with the prompt itself. It backs
// dry runs and local testing.
type Echo struct {
	ProviderName string
	Prefix       string
	Latency      time.Duration
}

// NewEcho creates an echo provider named name
func NewEcho(name string) *Echo {
	if name == "" {
		name = "echo"
	}
	return &Echo{ProviderName: name}
}

// Name returns the provider name
func (e *Echo) Name() string {
	return e.ProviderName
}

// Complete returns the normalized prompt, optionally after a simulated delay
func (e *Echo) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if e.Latency > 0 {
		timer := time.NewTimer(e.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", retry.NewError(retry.Classify(ctx.Err()), e.ProviderName, "echo interrupted", ctx.Err())
		case <-timer.C:
		}
	}

	text := strings.TrimSpace(prompt)
	if text == "" {
		return "", retry.NewError(retry.KindEmptyResponse, e.ProviderName, "nothing to echo", nil)
	}
	if opts.Model != "" {
		return fmt.Sprintf("%s[%s] %s", e.Prefix, opts.Model, text), nil
	}
	return e.Prefix + text, nil
}
