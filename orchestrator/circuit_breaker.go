package orchestrator

import (
	"errors"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"github.com/JohnPlummer/llm-orchestrator/metrics"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// newCircuitBreaker builds the breaker guarding one provider. Results are the
// generated text.
func newCircuitBreaker(name string, config *CircuitBreakerConfig, logger *slog.Logger, m *metrics.Recorder) *gobreaker.CircuitBreaker[string] {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: config.ReadyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			m.RecordCircuitBreakerState(name, stateToInt(to))
			if to == gobreaker.StateOpen {
				m.RecordCircuitBreakerTrip(name)
			}

			if config.OnStateChange != nil {
				config.OnStateChange(name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !ShouldTripCircuit(err)
		},
	}

	m.RecordCircuitBreakerState(name, stateToInt(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[string](settings)
}

// ShouldTripCircuit determines if an error should count against a provider's
// breaker. Rate limits, timeouts, cancellations, bad requests and empty
// responses do not.
func ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	switch retry.Classify(err) {
	case retry.KindRateLimited, retry.KindTimeout, retry.KindCanceled,
		retry.KindBadRequest, retry.KindEmptyResponse:
		return false
	default:
		return true
	}
}

// IsCircuitOpen reports whether err was returned by an open or saturated breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// breakerHealth summarizes one breaker
func breakerHealth(cb *gobreaker.CircuitBreaker[string]) (bool, map[string]interface{}) {
	state := cb.State()
	counts := cb.Counts()

	details := map[string]interface{}{
		"state":                 state.String(),
		"requests":              counts.Requests,
		"total_successes":       counts.TotalSuccesses,
		"total_failures":        counts.TotalFailures,
		"consecutive_failures":  counts.ConsecutiveFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
	}
	return state != gobreaker.StateOpen, details
}

// stateToInt converts circuit breaker state to int for metrics
func stateToInt(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
