package remote

import "time"

// RetryConfig configures retry behavior for requests against the task store.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BackoffBase is the base delay between retries.
	BackoffBase time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
