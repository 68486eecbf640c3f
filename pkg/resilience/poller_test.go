package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPoller(max int) Poller {
	return Poller{MaxAttempts: max, Backoff: &FixedBackoff{Delay: time.Millisecond}}
}

func TestPoll_SatisfiedAfterRetries(t *testing.T) {
	calls := 0
	result, err := Poll(context.Background(), fastPoller(10), func(ctx context.Context) (string, PollState, error) {
		calls++
		if calls < 3 {
			return "processing", PollPending, nil
		}
		return "completed", PollSatisfied, nil
	})

	require.NoError(t, err)
	assert.Equal(t, PollSatisfied, result.State)
	assert.Equal(t, "completed", result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestPoll_Terminal(t *testing.T) {
	result, err := Poll(context.Background(), fastPoller(10), func(ctx context.Context) (string, PollState, error) {
		return "failed", PollTerminal, nil
	})

	require.NoError(t, err)
	assert.Equal(t, PollTerminal, result.State)
	assert.Equal(t, 1, result.Attempts)
}

func TestPoll_ExhaustedIsBounded(t *testing.T) {
	calls := 0
	result, err := Poll(context.Background(), fastPoller(4), func(ctx context.Context) (int, PollState, error) {
		calls++
		return calls, PollPending, nil
	})

	require.NoError(t, err)
	assert.Equal(t, PollExhausted, result.State)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, result.Value)
}

func TestPoll_CheckErrorStops(t *testing.T) {
	boom := errors.New("store down")
	result, err := Poll(context.Background(), fastPoller(5), func(ctx context.Context) (int, PollState, error) {
		return 0, PollPending, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, result.Attempts)
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Poller{MaxAttempts: 100, Backoff: &FixedBackoff{Delay: time.Hour}}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := Poll(ctx, p, func(ctx context.Context) (int, PollState, error) {
		return 0, PollPending, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PollCancelled, result.State)
	assert.Equal(t, 1, result.Attempts)
}

func TestPollState_String(t *testing.T) {
	assert.Equal(t, "satisfied", PollSatisfied.String())
	assert.Equal(t, "exhausted", PollExhausted.String())
	assert.Equal(t, "unknown", PollState(42).String())
}
