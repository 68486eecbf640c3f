// Package session is the funnel session store used by the orchestrators.
// It adds expiry, versioning and typed mutators on top of a SessionBackend.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"go.uber.org/zap"
)

// DefaultTTL is how long a session lives after creation
const DefaultTTL = 24 * time.Hour

// Store wraps a backend with expiry and the session mutators
type Store struct {
	backend ports.SessionBackend
	clock   timeutil.Clock
	ttl     time.Duration
	logger  *zap.Logger
}

// NewStore creates a store; ttl <= 0 uses DefaultTTL
func NewStore(backend ports.SessionBackend, ttl time.Duration, clock timeutil.Clock, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Store{backend: backend, clock: clock, ttl: ttl, logger: logger}
}

// Create stores a new initiated session at the checkout step
func (s *Store) Create(ctx context.Context, in domain.NewSession) (*domain.FunnelSession, error) {
	sess, err := domain.NewFunnelSession(uuid.NewString(), in, s.clock.Now(), s.ttl)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Insert(ctx, sess); err != nil {
		return nil, err
	}

	observability.RecordSessionCreated()
	s.logger.Debug("Session created",
		zap.String("session_id", sess.ID),
		zap.Time("expires_at", sess.ExpiresAt),
	)
	return sess, nil
}

// Get returns the session. An expired session is deleted and reported as
// ErrSessionExpired even when the sweep has not removed it yet.
func (s *Store) Get(ctx context.Context, id string) (*domain.FunnelSession, error) {
	sess, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.clock.Now()) {
		s.discard(ctx, id)
		return nil, domain.ErrSessionExpired
	}
	return sess, nil
}

// Mutate applies fn atomically to a live session and bumps its version.
// fn may run more than once; it must only modify the session.
func (s *Store) Mutate(ctx context.Context, id string, fn ports.MutateFunc) (*domain.FunnelSession, error) {
	sess, err := s.backend.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		now := s.clock.Now()
		if sess.IsExpired(now) {
			return domain.ErrSessionExpired
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.Touch(now)
		return nil
	})
	if errors.Is(err, domain.ErrSessionExpired) {
		s.discard(ctx, id)
	}
	return sess, err
}

// Update merges the patch; nil patch fields are left untouched
func (s *Store) Update(ctx context.Context, id string, patch domain.SessionPatch) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, patch.Apply)
}

func (s *Store) SetStatus(ctx context.Context, id string, status domain.SessionStatus) (*domain.FunnelSession, error) {
	return s.Update(ctx, id, domain.SessionPatch{Status: &status})
}

func (s *Store) SetStep(ctx context.Context, id string, step domain.FunnelStep) (*domain.FunnelSession, error) {
	return s.Update(ctx, id, domain.SessionPatch{CurrentStep: &step})
}

// SetVaultID records a refreshed vault reference and its update time
func (s *Store) SetVaultID(ctx context.Context, id, vaultID string) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		sess.SetVault(vaultID, s.clock.Now())
		return nil
	})
}

func (s *Store) SetTransactionID(ctx context.Context, id, transactionID string) (*domain.FunnelSession, error) {
	return s.Update(ctx, id, domain.SessionPatch{TransactionID: &transactionID})
}

// AcceptUpsell moves productCode to the accepted list
func (s *Store) AcceptUpsell(ctx context.Context, id, productCode string) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		sess.AcceptUpsell(productCode)
		return nil
	})
}

// DeclineUpsell moves productCode to the declined list
func (s *Store) DeclineUpsell(ctx context.Context, id, productCode string) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		sess.DeclineUpsell(productCode)
		return nil
	})
}

// AppendUpsell records a charged upsell; steps must be unique and increasing
func (s *Store) AppendUpsell(ctx context.Context, id string, rec domain.UpsellRecord) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		return sess.AppendUpsell(rec)
	})
}

// SetPendingCharge parks a charge until the card is recovered
func (s *Store) SetPendingCharge(ctx context.Context, id string, pc domain.PendingCharge) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		charge := pc
		sess.PendingCharge = &charge
		return nil
	})
}

func (s *Store) ClearPendingCharge(ctx context.Context, id string) (*domain.FunnelSession, error) {
	return s.Mutate(ctx, id, func(sess *domain.FunnelSession) error {
		sess.PendingCharge = nil
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// SweepExpired removes every expired session and returns how many were removed
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	removed, err := s.backend.SweepExpired(ctx, s.clock.Now())
	if removed > 0 {
		observability.RecordSessionsSwept(removed)
	}
	return removed, err
}

// Ping checks the backend
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Store) discard(ctx context.Context, id string) {
	if err := s.backend.Delete(ctx, id); err != nil {
		s.logger.Warn("Failed to delete expired session",
			zap.String("session_id", id),
			zap.Error(err),
		)
	}
}
