// Package resilience holds the retry, polling and timeout helpers shared by
// the gateway client, the session store and the event forwarders.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffStrategy returns how long to wait before retry number attempt (0-based)
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles (by Multiplier) from BaseDelay up to MaxDelay,
// then spreads each delay by ±Jitter of itself
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultExponentialBackoff paces outbound retries: ~100ms, ~200ms, ~400ms...
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// PollBackoff paces status waits: ~250ms, ~500ms, ~1s, then ~2s
func PollBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := eb.BaseDelay
	for i := 0; i < attempt && delay < eb.MaxDelay; i++ {
		delay = time.Duration(float64(delay) * eb.Multiplier)
	}
	if delay > eb.MaxDelay {
		delay = eb.MaxDelay
	}

	if eb.Jitter > 0 {
		spread := float64(delay) * eb.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay <= 0 {
		return eb.BaseDelay
	}
	return delay
}

// FixedBackoff waits Delay between every attempt
type FixedBackoff struct {
	Delay time.Duration
}

func (fb *FixedBackoff) NextDelay(int) time.Duration {
	return fb.Delay
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
