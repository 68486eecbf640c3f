// Package recovery replaces a rejected stored card and re-issues the charge
// that was waiting on it. Each triggering charge gets one recovery attempt.
package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"go.uber.org/zap"
)

// ChargeRetrier re-issues a pending charge after the card was replaced.
// freshToken is the newly collected one-time token; retriers that charge the
// vault ignore it.
type ChargeRetrier interface {
	RetryPendingCharge(ctx context.Context, sess *domain.FunnelSession, freshToken string) (*domain.ChargeOutcome, error)
}

// Request carries the card collected after a vault rejection
type Request struct {
	SessionID    string
	PaymentToken string
	Billing      *domain.Address
}

// Result is the refreshed vault reference and the re-issued charge
type Result struct {
	VaultID string                `json:"vault_id"`
	Charge  *domain.ChargeOutcome `json:"charge"`
}

// Service runs the card recovery flow
type Service struct {
	sessions *session.Store
	gateway  ports.PaymentGateway
	events   ports.EventPublisher
	clock    timeutil.Clock
	retriers map[domain.ChargeKind]ChargeRetrier
	logger   *zap.Logger
}

// NewService creates the recovery flow. Retriers are registered afterwards
// because the orchestrators that retry charges also trigger recovery.
func NewService(sessions *session.Store, gateway ports.PaymentGateway, events ports.EventPublisher, clock timeutil.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Service{
		sessions: sessions,
		gateway:  gateway,
		events:   events,
		clock:    clock,
		retriers: make(map[domain.ChargeKind]ChargeRetrier),
		logger:   logger,
	}
}

// RegisterRetrier sets the retrier for a pending charge kind. It must be
// called before the service handles requests.
func (s *Service) RegisterRetrier(kind domain.ChargeKind, r ChargeRetrier) {
	s.retriers[kind] = r
}

// Recover updates the session's vault with the fresh token and re-issues the
// pending charge. Every failure is terminal for this pending charge: a new
// attempt needs a new triggering charge.
func (s *Service) Recover(ctx context.Context, req Request) (*Result, error) {
	if fields := req.validate(); len(fields) > 0 {
		return nil, domain.NewValidationError(fields)
	}
	logger := s.logger.With(zap.String("session_id", req.SessionID))

	sess, err := s.claim(ctx, req.SessionID)
	if err != nil {
		if domain.IsDomainError(err, domain.ErrorCodeRecoveryExhausted) {
			observability.RecordCardRecovery("exhausted")
			logger.Warn("Card recovery already attempted for pending charge")
		}
		return nil, err
	}
	pc := sess.PendingCharge

	retrier, ok := s.retriers[pc.Kind]
	if !ok {
		return nil, domain.WrapError(domain.ErrorCodeInternalError, "no retrier for pending charge",
			fmt.Errorf("kind %q", pc.Kind))
	}

	if sess.VaultID != "" {
		customer := sess.Customer
		if req.Billing != nil {
			customer.Billing = *req.Billing
		}
		result, err := s.gateway.UpdateVault(ctx, &domain.VaultUpdateRequest{
			VaultID:      sess.VaultID,
			PaymentToken: req.PaymentToken,
			Customer:     customer,
		})
		if err != nil {
			observability.RecordCardRecovery("vault_update_failed")
			logger.Warn("Vault update failed during card recovery", zap.Error(err))
			s.abandon(ctx, sess.ID)
			return nil, terminal(err)
		}

		sess, err = s.sessions.SetVaultID(ctx, sess.ID, result.VaultID)
		if err != nil {
			return nil, fmt.Errorf("failed to record refreshed vault: %w", err)
		}
		s.publish(ctx, domain.Event{
			Type:      domain.EventVaultUpdated,
			SessionID: sess.ID,
			VaultID:   sess.VaultID,
			Step:      pc.Step,
			Status:    "updated",
		})
		logger.Info("Vault updated during card recovery", zap.String("vault_id", sess.VaultID))
	} else if pc.Kind != domain.ChargeKindCheckout {
		return nil, domain.ErrNoVaultReference
	}

	outcome, err := retrier.RetryPendingCharge(ctx, sess, req.PaymentToken)
	if err != nil {
		observability.RecordCardRecovery("retry_failed")
		logger.Warn("Pending charge failed after card recovery",
			zap.String("kind", string(pc.Kind)),
			zap.Int("step", pc.Step),
			zap.Error(err),
		)
		s.abandon(ctx, sess.ID)
		return nil, terminal(err)
	}

	observability.RecordCardRecovery("recovered")
	logger.Info("Card recovered and pending charge approved",
		zap.String("kind", string(pc.Kind)),
		zap.String("transaction_id", outcome.TransactionID),
	)

	vaultID := sess.VaultID
	if latest, err := s.sessions.Get(ctx, sess.ID); err == nil {
		vaultID = latest.VaultID
	}
	return &Result{VaultID: vaultID, Charge: outcome}, nil
}

// UpdateVaultDirect replaces the card under vaultID without a session
func (s *Service) UpdateVaultDirect(ctx context.Context, vaultID, paymentToken string, customer domain.CustomerInfo) (*domain.GatewayResult, error) {
	fields := map[string]string{}
	if strings.TrimSpace(vaultID) == "" {
		fields["vault_id"] = "is required"
	}
	if strings.TrimSpace(paymentToken) == "" {
		fields["payment_token"] = "is required"
	}
	if len(fields) > 0 {
		return nil, domain.NewValidationError(fields)
	}

	result, err := s.gateway.UpdateVault(ctx, &domain.VaultUpdateRequest{
		VaultID:      vaultID,
		PaymentToken: paymentToken,
		Customer:     customer,
	})
	if err != nil {
		observability.RecordCardRecovery("vault_update_failed")
		return nil, err
	}

	observability.RecordCardRecovery("direct")
	s.publish(ctx, domain.Event{
		Type:          domain.EventVaultUpdated,
		VaultID:       result.VaultID,
		TransactionID: result.TransactionID,
		Status:        "updated",
	})
	return result, nil
}

// claim marks the pending charge as attempted so a second request for the
// same charge is refused
func (s *Service) claim(ctx context.Context, sessionID string) (*domain.FunnelSession, error) {
	return s.sessions.Mutate(ctx, sessionID, func(sess *domain.FunnelSession) error {
		if sess.PendingCharge == nil {
			return domain.ErrNoPendingCharge
		}
		if sess.PendingCharge.RecoveryAttempted {
			return domain.ErrRecoveryExhausted
		}
		sess.PendingCharge.RecoveryAttempted = true
		return nil
	})
}

// abandon drops the pending charge after a failed recovery
func (s *Service) abandon(ctx context.Context, sessionID string) {
	if _, err := s.sessions.ClearPendingCharge(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to clear pending charge",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, event domain.Event) {
	event.ID = uuid.NewString()
	event.OccurredAt = s.clock.Now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// terminal turns a second vault rejection into RECOVERY_EXHAUSTED; other
// classified errors already tell the customer what to do
func terminal(err error) error {
	if domain.IsVaultError(err) {
		e := domain.WrapError(domain.ErrorCodeRecoveryExhausted, "updated card was rejected", err)
		e.UserMessage = "We could not use the updated card. Please contact support to complete this purchase."
		return e
	}
	return err
}

func (r Request) validate() map[string]string {
	fields := map[string]string{}
	if strings.TrimSpace(r.SessionID) == "" {
		fields["session_id"] = "is required"
	}
	if strings.TrimSpace(r.PaymentToken) == "" {
		fields["payment_token"] = "is required"
	}
	return fields
}
