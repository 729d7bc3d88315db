package resilience

import (
	"time"

	"github.com/velocityfibre/onemap-sync/internal/config"
)

// RetryFromConfig builds the retry policy for OneMap requests.
func RetryFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Attempts: c.MaxAttempts,
		Backoff: Backoff{
			Initial:    time.Duration(c.InitialBackoffMs) * time.Millisecond,
			Max:        time.Duration(c.MaxBackoffMs) * time.Millisecond,
			Multiplier: c.Multiplier,
			Jitter:     c.JitterFraction,
		},
	}
}

// BreakerFromConfig returns the OneMap breaker, or nil when it is disabled.
func BreakerFromConfig(c config.CircuitConfig) *Breaker {
	if !c.Enabled {
		return nil
	}
	return NewBreaker("onemap", BreakerConfig{
		Threshold: c.FailureThreshold,
		Cooldown:  time.Duration(c.ResetTimeoutSecs) * time.Second,
	})
}
