package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityfibre/onemap-sync/internal/config"
)

func TestRetryFromConfig(t *testing.T) {
	p := RetryFromConfig(config.RetryConfig{
		MaxAttempts:      4,
		InitialBackoffMs: 200,
		MaxBackoffMs:     2000,
		Multiplier:       3,
		JitterFraction:   0.1,
	})
	assert.Equal(t, 4, p.Attempts)
	assert.Equal(t, 200*time.Millisecond, p.Backoff.Initial)
	assert.Equal(t, 2*time.Second, p.Backoff.Max)
	assert.InDelta(t, 3.0, p.Backoff.Multiplier, 0.001)
	assert.InDelta(t, 0.1, p.Backoff.Jitter, 0.001)
}

func TestRetryFromConfig_ZeroValueRunsOnce(t *testing.T) {
	p := RetryFromConfig(config.RetryConfig{})
	assert.Equal(t, 0, p.Attempts)
	assert.Equal(t, defaultBackoff.Initial, p.Backoff.withDefaults().Initial)
}

func TestBreakerFromConfig(t *testing.T) {
	assert.Nil(t, BreakerFromConfig(config.CircuitConfig{Enabled: false, FailureThreshold: 2}))

	b := BreakerFromConfig(config.CircuitConfig{Enabled: true, FailureThreshold: 2, ResetTimeoutSecs: 10})
	require.NotNil(t, b)
	assert.Equal(t, 2, b.cfg.Threshold)
	assert.Equal(t, 10*time.Second, b.cfg.Cooldown)
	assert.Equal(t, StateClosed, b.State())
}
