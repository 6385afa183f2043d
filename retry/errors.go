package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sashabaranov/go-openai"
)

// Kind is the closed set of failure classes a provider call can produce.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionReset
	KindHostNotFound
	KindConnectionRefused
	KindTimeout
	KindRateLimited
	KindServer
	KindBadRequest
	KindAuth
	KindEmptyResponse
	KindCanceled
	KindProviderFault
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConnectionReset:   "connection_reset",
	KindHostNotFound:      "host_not_found",
	KindConnectionRefused: "connection_refused",
	KindTimeout:           "timeout",
	KindRateLimited:       "rate_limited",
	KindServer:            "server_error",
	KindBadRequest:        "bad_request",
	KindAuth:              "auth",
	KindEmptyResponse:     "empty_response",
	KindCanceled:          "canceled",
	KindProviderFault:     "provider_fault",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionReset, KindHostNotFound, KindConnectionRefused,
		KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// retryableCodes are transport or provider error codes treated as transient.
var retryableCodes = map[string]bool{
	"ECONNRESET":          true,
	"ENOTFOUND":           true,
	"ECONNREFUSED":        true,
	"ETIMEDOUT":           true,
	"RATE_LIMITED":        true,
	"SERVER_ERROR":        true,
	"rate_limit_exceeded": true,
	"server_error":        true,
}

var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Error is the classified failure produced by provider adapters.
//
// Kind takes precedence. When Kind is KindUnknown the Code, StatusCode and
// Message fields are inspected instead.
type Error struct {
	Kind       Kind
	Code       string
	StatusCode int
	Provider   string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "provider error"
	}

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.effectiveKind().String()
	}

	var sb strings.Builder
	if e.Provider != "" {
		sb.WriteString(e.Provider)
		sb.WriteString(": ")
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&sb, "status %d: ", e.StatusCode)
	}
	sb.WriteString(msg)
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error should trigger another attempt.
func (e *Error) Retryable() bool {
	return e.effectiveKind().Retryable()
}

func (e *Error) effectiveKind() Kind {
	if e.Kind != KindUnknown {
		return e.Kind
	}
	if k := kindFromCode(e.Code); k != KindUnknown {
		return k
	}
	if retryableStatus[e.StatusCode] {
		return KindFromStatus(e.StatusCode)
	}

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if k := kindFromMessage(msg); k != KindUnknown {
		return k
	}
	return KindFromStatus(e.StatusCode)
}

// NewError builds a classified error of the given kind.
func NewError(kind Kind, provider, message string, cause error) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Err:      cause,
	}
}

// FromStatus builds a classified error from an HTTP status code. A status
// outside the retryable set still yields a retryable kind when the message
// names a timeout or rate limit.
func FromStatus(provider string, status int, message string, cause error) *Error {
	e := &Error{
		StatusCode: status,
		Provider:   provider,
		Message:    message,
		Err:        cause,
	}
	e.Kind = e.effectiveKind()
	return e
}

// KindFromStatus maps an HTTP status code onto a Kind. Only 429, 500, 502,
// 503 and 504 map to retryable kinds.
func KindFromStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case retryableStatus[status]:
		return KindServer
	case status == 401 || status == 403:
		return KindAuth
	case status >= 500 && status <= 599:
		return KindProviderFault
	case status >= 400 && status <= 499:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// StatusCoder is implemented by foreign errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classify returns the Kind for any error. Classified errors report their own
// kind; foreign errors are inspected by code, retryable status, errno and
// message, with any other status deciding last. Anything still unrecognized
// is KindUnknown, which is not retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		if k := classified.effectiveKind(); k != KindUnknown {
			return k
		}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != nil {
		if k := kindFromCode(fmt.Sprint(apiErr.Code)); k != KindUnknown {
			return k
		}
	}

	status := statusOf(err)
	if retryableStatus[status] {
		return KindFromStatus(status)
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return KindConnectionReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, syscall.ETIMEDOUT):
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return KindHostNotFound
		}
		if dnsErr.IsTimeout {
			return KindTimeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if k := kindFromMessage(err.Error()); k != KindUnknown {
		return k
	}
	return KindFromStatus(status)
}

// statusOf extracts the HTTP status carried by a foreign error, or 0.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}
	return 0
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

func kindFromCode(code string) Kind {
	if !retryableCodes[code] {
		return KindUnknown
	}
	switch code {
	case "ECONNRESET":
		return KindConnectionReset
	case "ENOTFOUND":
		return KindHostNotFound
	case "ECONNREFUSED":
		return KindConnectionRefused
	case "ETIMEDOUT":
		return KindTimeout
	case "RATE_LIMITED", "rate_limit_exceeded":
		return KindRateLimited
	default:
		return KindServer
	}
}

// kindFromMessage matches the two substrings providers reliably emit for
// transient failures. The match is case-sensitive.
func kindFromMessage(msg string) Kind {
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"):
		return KindRateLimited
	default:
		return KindUnknown
	}
}
