package session

import (
	"context"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/pkg/resilience"
)

// Condition decides whether a watched session is done
type Condition func(s *domain.FunnelSession) resilience.PollState

// Settled is satisfied once the session completed and terminal once it failed
func Settled(s *domain.FunnelSession) resilience.PollState {
	switch s.Status {
	case domain.SessionStatusCompleted:
		return resilience.PollSatisfied
	case domain.SessionStatusFailed:
		return resilience.PollTerminal
	default:
		return resilience.PollPending
	}
}

// StepLeft is satisfied once the session has moved past step
func StepLeft(step domain.FunnelStep) Condition {
	return func(s *domain.FunnelSession) resilience.PollState {
		if s.CurrentStep != step {
			return resilience.PollSatisfied
		}
		if s.Status == domain.SessionStatusFailed {
			return resilience.PollTerminal
		}
		return resilience.PollPending
	}
}

// StatusWatcher waits for a session to change, for example while a gateway
// callback settles an unconfirmed charge. Polling is bounded by the poller's
// attempt budget; the caller gets the last seen session and the end state.
type StatusWatcher struct {
	store  *Store
	poller resilience.Poller
}

// NewStatusWatcher creates a watcher using poller's attempts and backoff
func NewStatusWatcher(store *Store, poller resilience.Poller) *StatusWatcher {
	return &StatusWatcher{store: store, poller: poller}
}

// Wait polls the session until cond stops returning PollPending. A session
// that disappears ends the wait with its not-found error.
func (w *StatusWatcher) Wait(ctx context.Context, id string, cond Condition) (resilience.PollResult[*domain.FunnelSession], error) {
	return resilience.Poll(ctx, w.poller, func(ctx context.Context) (*domain.FunnelSession, resilience.PollState, error) {
		s, err := w.store.Get(ctx, id)
		if err != nil {
			return nil, resilience.PollTerminal, err
		}
		return s, cond(s), nil
	})
}
