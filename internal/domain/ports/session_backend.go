package ports

import (
	"context"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
)

// MutateFunc changes a session in place. Returning an error aborts the write.
type MutateFunc func(s *domain.FunnelSession) error

// SessionBackend stores funnel sessions.
// Implementations must make Mutate an atomic read-modify-write so that
// concurrent mutations of different fields never lose each other's writes.
type SessionBackend interface {
	// Insert stores a new session; it fails if the id already exists
	Insert(ctx context.Context, s *domain.FunnelSession) error

	// Load returns a copy of the stored session or domain.ErrSessionNotFound.
	// Expiry is not evaluated here.
	Load(ctx context.Context, id string) (*domain.FunnelSession, error)

	// Mutate loads the session, applies fn and stores the result atomically.
	// It returns the stored copy. fn may run more than once when the backend
	// retries after a conflicting write, so it must only touch the session.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.FunnelSession, error)

	// Delete removes the session; deleting a missing id is not an error
	Delete(ctx context.Context, id string) error

	// SweepExpired deletes every session whose ExpiresAt is not after now
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Ping checks backend connectivity
	Ping(ctx context.Context) error
}
