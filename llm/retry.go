package llm

import "time"

// RetryConfig bounds how long the client leans on a single endpoint before
// moving down the fallback chain.
type RetryConfig struct {
	// MaxAttempts is the number of tries against one endpoint, counting
	// the first.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier scales the delay on every subsequent retry.
	BackoffMultiplier float64

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the stock retry policy: one retry per endpoint.
// Generation endpoints already carry multi-minute timeouts, so each extra
// attempt delays the fallback by a full window.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        15 * time.Second,
	}
}
