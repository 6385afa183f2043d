package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
)

// Fingerprint derives the cache key for a provider call. Prompts that differ
// only in surrounding or repeated whitespace share a key; options are
// serialized with sorted keys so map ordering never matters.
func Fingerprint(provider, prompt string, options map[string]any) (string, error) {
	if options == nil {
		options = map[string]any{}
	}

	encoded, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to serialize options for fingerprint: %w", err)
	}

	name := strings.ToLower(strings.TrimSpace(provider))

	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePrompt(prompt)))
	h.Write([]byte{0})
	h.Write(encoded)

	return name + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizePrompt trims the prompt and collapses every whitespace run to a
// single space. Non-printable characters are dropped.
func NormalizePrompt(prompt string) string {
	var sb strings.Builder
	sb.Grow(len(prompt))

	wasSpace := false
	for _, r := range strings.TrimSpace(prompt) {
		switch {
		case unicode.IsSpace(r):
			if !wasSpace {
				sb.WriteRune(' ')
				wasSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			wasSpace = false
		}
	}

	return sb.String()
}
