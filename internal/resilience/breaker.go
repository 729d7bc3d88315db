package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrOpen is returned without calling the guarded function while the breaker
// is open.
var ErrOpen = eris.New("resilience: circuit open")

// Breaker states as reported by State.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// BreakerConfig controls when a Breaker opens and how long it stays open.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is the time spent open before a single trial call is let through.
	Cooldown time.Duration
	// Counts decides which errors are failures. Nil counts everything except
	// cancellation.
	Counts func(err error) bool
}

// Breaker stops calls to an upstream that keeps failing. After Cooldown one
// trial call is allowed; its outcome closes or reopens the breaker.
type Breaker struct {
	name string
	cfg  BreakerConfig
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
	trial    bool
}

// NewBreaker creates a closed breaker. Zero config values default to a
// threshold of 5 and a one minute cooldown.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &Breaker{
		name: name,
		cfg:  cfg,
		log:  zap.L().With(zap.String("component", "breaker"), zap.String("breaker", name)),
		now:  time.Now,
	}
}

// State returns StateClosed, StateOpen or StateHalfOpen.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.openedAt.IsZero():
		return StateClosed
	case b.trial || b.now().Sub(b.openedAt) >= b.cfg.Cooldown:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedAt = time.Time{}
	b.trial = false
}

// Guard runs fn unless b is open and records the outcome.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.acquire(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	b.release(err)
	return val, err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return nil
	}
	if b.trial || b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return eris.Wrap(ErrOpen, b.name)
	}
	b.trial = true
	return nil
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.trial
	b.trial = false

	if err == nil || !b.cfg.Counts(err) {
		if !b.openedAt.IsZero() && wasTrial {
			b.log.Info("circuit closed")
			b.openedAt = time.Time{}
		}
		b.failures = 0
		return
	}

	b.failures++
	if wasTrial || b.failures >= b.cfg.Threshold {
		if b.openedAt.IsZero() {
			b.log.Warn("circuit opened", zap.Int("failures", b.failures), zap.Error(err))
		}
		b.openedAt = b.now()
	}
}
