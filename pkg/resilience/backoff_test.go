package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_NextDelay(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	backoff := DefaultExponentialBackoff()

	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		d := backoff.NextDelay(2)
		assert.GreaterOrEqual(t, d, 360*time.Millisecond)
		assert.LessOrEqual(t, d, 440*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestPollBackoff(t *testing.T) {
	backoff := PollBackoff()
	backoff.Jitter = 0

	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 2 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, backoff.NextDelay(attempt), "attempt %d", attempt)
	}
}

func TestFixedBackoff(t *testing.T) {
	backoff := &FixedBackoff{Delay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, backoff.NextDelay(0))
	assert.Equal(t, 50*time.Millisecond, backoff.NextDelay(9))
}

func TestSleep(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}
