package resilience

import (
	"time"
)

// FetchRetryConfig returns the fetch retry policy for the given total
// attempt count. Values below one fall back to the default.
func FetchRetryConfig(maxAttempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig. It
// returns false when the breaker is disabled (threshold <= 0).
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) (CircuitBreakerConfig, bool) {
	if failureThreshold <= 0 {
		return CircuitBreakerConfig{}, false
	}
	cfg := CircuitBreakerConfig{
		FailureThreshold: failureThreshold,
		ResetTimeout:     30 * time.Second,
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg, true
}
