package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return "status " + http.StatusText(int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func quick(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts: attempts,
		Backoff:  Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), quick(3), func(context.Context) (string, error) {
		calls++
		return "page", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "page", got)
	assert.Equal(t, 1, calls)
}

func TestRetry_RecoversFromUnavailable(t *testing.T) {
	calls := 0
	var waits []int
	p := quick(4)
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { waits = append(waits, attempt) }

	got, err := Retry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, statusErr(503)
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, waits)
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), quick(3), func(context.Context) (int, error) {
		calls++
		return 0, statusErr(502)
	})
	assert.Equal(t, statusErr(502), err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), quick(5), func(context.Context) (int, error) {
		calls++
		return 0, statusErr(400)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_NoRetryRunsOnce(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), NoRetry(), func(context.Context) (int, error) {
		calls++
		return 0, statusErr(503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_CustomClassifier(t *testing.T) {
	calls := 0
	p := quick(3)
	p.Retryable = func(error) bool { return true }
	_, err := Retry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, quick(5), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, statusErr(503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 3*time.Second, b.Delay(5))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}
	for range 50 {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	assert.Equal(t, defaultBackoff.Initial, b.Initial)
	assert.Equal(t, defaultBackoff.Max, b.Max)
	assert.InDelta(t, defaultBackoff.Multiplier, b.Multiplier, 0.001)
}
