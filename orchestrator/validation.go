package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPromptLength is the default maximum prompt length in characters
const DefaultMaxPromptLength = 100000

// ValidationResult contains the results of request validation
type ValidationResult struct {
	Valid       bool
	Issues      []string
	Suggestions []string
}

// ValidationOptions configures request validation behavior
type ValidationOptions struct {
	MaxLength int
}

// DefaultValidationOptions returns sensible defaults for request validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxLength: DefaultMaxPromptLength,
	}
}

// ValidatePrompt validates a single prompt
func ValidatePrompt(prompt string, opts ValidationOptions) ValidationResult {
	result := ValidationResult{Valid: true}

	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		result.Valid = false
		if prompt == "" {
			result.Issues = append(result.Issues, "prompt is empty")
		} else {
			result.Issues = append(result.Issues, "prompt contains only whitespace")
		}
		result.Suggestions = append(result.Suggestions, "provide non-whitespace prompt text")
		return result
	}

	if opts.MaxLength > 0 {
		if n := utf8.RuneCountInString(trimmed); n > opts.MaxLength {
			result.Valid = false
			result.Issues = append(result.Issues, fmt.Sprintf("prompt too long (%d chars, maximum %d)",
				n, opts.MaxLength))
			result.Suggestions = append(result.Suggestions, fmt.Sprintf("reduce prompt to under %d characters", opts.MaxLength))
		}
	}

	return result
}

// ValidateRequest checks a request before it reaches a provider. The
// returned error wraps ErrEmptyPrompt or ErrPromptTooLong.
func ValidateRequest(req Request, opts ValidationOptions) error {
	result := ValidatePrompt(req.Prompt, opts)
	if result.Valid {
		return nil
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return fmt.Errorf("%w: %s", ErrPromptTooLong, strings.Join(result.Issues, "; "))
}

// ValidateRequests validates a batch of requests. Results are returned even
// when some requests fail so callers can see which ones.
func ValidateRequests(reqs []Request, opts ValidationOptions) ([]ValidationResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no requests", ErrEmptyPrompt)
	}

	results := make([]ValidationResult, len(reqs))
	hasErrors := false
	for i, req := range reqs {
		results[i] = ValidatePrompt(req.Prompt, opts)
		if !results[i].Valid {
			hasErrors = true
		}
	}

	if hasErrors {
		return results, fmt.Errorf("validation failed for one or more requests")
	}
	return results, nil
}
