package resilience

import "context"

// PollState is the state of a bounded poll
type PollState int

const (
	// PollPending means the condition is not met yet; keep polling
	PollPending PollState = iota
	// PollSatisfied means the awaited condition holds
	PollSatisfied
	// PollTerminal means the watched thing reached a state the condition can never reach from
	PollTerminal
	// PollExhausted means MaxAttempts checks ran without a decision
	PollExhausted
	// PollCancelled means the context ended first
	PollCancelled
)

func (s PollState) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollSatisfied:
		return "satisfied"
	case PollTerminal:
		return "terminal"
	case PollExhausted:
		return "exhausted"
	case PollCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Poller runs a check repeatedly with backoff, at most MaxAttempts times
type Poller struct {
	MaxAttempts int
	Backoff     BackoffStrategy
}

// DefaultPoller polls up to 20 times using PollBackoff
func DefaultPoller() Poller {
	return Poller{MaxAttempts: 20, Backoff: PollBackoff()}
}

// PollResult is the outcome of Poll
type PollResult[T any] struct {
	State    PollState
	Value    T
	Attempts int
}

// CheckFunc inspects current state and reports whether polling can stop
type CheckFunc[T any] func(ctx context.Context) (T, PollState, error)

// Poll calls check until it returns a state other than PollPending, the
// attempt budget runs out, or ctx is done. An error from check stops polling
// and is returned as-is.
func Poll[T any](ctx context.Context, p Poller, check CheckFunc[T]) (PollResult[T], error) {
	var result PollResult[T]
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && p.Backoff != nil {
			if err := Sleep(ctx, p.Backoff.NextDelay(attempt-1)); err != nil {
				result.State = PollCancelled
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			result.State = PollCancelled
			return result, err
		}

		value, state, err := check(ctx)
		result.Attempts = attempt + 1
		result.Value = value
		if err != nil {
			return result, err
		}
		if state != PollPending {
			result.State = state
			return result, nil
		}
	}

	result.State = PollExhausted
	return result, nil
}
