package orchestrator

import (
	"errors"
	"time"

	"github.com/JohnPlummer/llm-orchestrator/provider"
)

// Request is one completion to orchestrate
type Request struct {
	ID        string           // Optional; used as the batch item ID when submitted
	Provider  string           // Provider name; empty selects the default provider
	Prompt    string           // Prompt text (required)
	Options   provider.Options // Completion options, part of the cache fingerprint
	CacheTTL  time.Duration    // Lifetime of the cached answer (0 = cache default)
	SkipCache bool             // Bypass both cache lookup and cache store
}

// Result is the outcome of a completed request
type Result struct {
	Text        string        `json:"text"`                  // Generated text
	Provider    string        `json:"provider"`              // Provider that produced it
	Fingerprint string        `json:"fingerprint,omitempty"` // Cache key of the request, empty if it could not be derived
	Cached      bool          `json:"cached"`                // Served from the cache
	Shared      bool          `json:"shared"`                // Served by an identical in-flight request
	Attempts    int           `json:"attempts"`              // Provider calls made, 0 when cached or shared
	Duration    time.Duration `json:"duration"`              // Wall time spent in Complete
}

// HealthStatus represents the health state of the orchestrator
type HealthStatus struct {
	Healthy bool                   // Overall health status
	Status  string                 // Human-readable status message
	Details map[string]interface{} // Additional health details
}

// Error definitions
var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrNoProviders     = errors.New("at least one provider is required")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrEmptyPrompt     = errors.New("prompt cannot be empty")
	ErrPromptTooLong   = errors.New("prompt exceeds maximum length")
	ErrEmptyResponse   = errors.New("provider returned an empty response")
)
