package webhook

import (
	"context"
	"errors"

	"github.com/kevin07696/funnel-service/internal/catalog"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"go.uber.org/zap"
)

// Subscriber is the part of the event bus the applier needs
type Subscriber interface {
	Subscribe(eventType domain.EventType, h ports.EventHandler)
}

// Applier folds webhook events into session state. Events raised by the
// service itself carry no provider and are skipped.
type Applier struct {
	sessions *session.Store
	orders   ports.OrderRepository
	catalog  *catalog.Catalog
	clock    timeutil.Clock
	logger   *zap.Logger
}

func NewApplier(sessions *session.Store, orders ports.OrderRepository, cat *catalog.Catalog, clock timeutil.Clock, logger *zap.Logger) *Applier {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Applier{sessions: sessions, orders: orders, catalog: cat, clock: clock, logger: logger}
}

// Handle applies one event; it is registered per event type on the bus
func (a *Applier) Handle(ctx context.Context, event domain.Event) error {
	if event.Provider == "" || event.SessionID == "" {
		return nil
	}

	var err error
	switch event.Type {
	case domain.EventPaymentFailed:
		err = a.applyPaymentFailed(ctx, event)
	case domain.EventVaultUpdated:
		err = a.applyVaultUpdated(ctx, event)
	case domain.EventPaymentSucceeded:
		err = a.applyPaymentSucceeded(ctx, event)
	default:
		return nil
	}

	// the session may have expired or never lived here
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionExpired) {
		a.logger.Debug("Webhook event for unknown session",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}
	return err
}

// applyPaymentFailed records an upsell decline unless the step was charged
func (a *Applier) applyPaymentFailed(ctx context.Context, event domain.Event) error {
	if event.Step < 1 {
		return nil
	}
	code := event.ProductCode
	if code == "" {
		offer, ok := a.catalog.Offer(event.Step)
		if !ok {
			return nil
		}
		code = offer.ProductCode
	}

	_, err := a.sessions.Mutate(ctx, event.SessionID, func(s *domain.FunnelSession) error {
		if _, charged := s.FindUpsell(event.Step); charged {
			return nil
		}
		s.DeclineUpsell(code)
		return nil
	})
	if err == nil {
		a.logger.Info("Applied upsell decline from webhook",
			zap.String("session_id", event.SessionID),
			zap.Int("step", event.Step),
			zap.String("product_code", code),
		)
	}
	return err
}

func (a *Applier) applyVaultUpdated(ctx context.Context, event domain.Event) error {
	if event.VaultID == "" {
		return nil
	}
	_, err := a.sessions.SetVaultID(ctx, event.SessionID, event.VaultID)
	if err == nil {
		a.logger.Info("Applied vault update from webhook",
			zap.String("session_id", event.SessionID),
			zap.String("vault_id", event.VaultID),
		)
	}
	return err
}

// applyPaymentSucceeded reconciles a checkout whose synchronous answer never
// arrived: a session still processing without a transaction is completed
// exactly as an approved response would have. Otherwise only a missing
// transaction id is filled in.
func (a *Applier) applyPaymentSucceeded(ctx context.Context, event domain.Event) error {
	if event.TransactionID == "" || event.Step > 0 {
		return nil
	}

	now := a.clock.Now()
	reconciled := false
	sess, err := a.sessions.Mutate(ctx, event.SessionID, func(s *domain.FunnelSession) error {
		reconciled = false
		if s.TransactionID != "" {
			return nil
		}
		s.TransactionID = event.TransactionID
		if s.Status != domain.SessionStatusProcessing {
			return nil
		}
		if err := s.TransitionTo(domain.SessionStatusCompleted); err != nil {
			return err
		}
		if event.VaultID != "" {
			s.SetVault(event.VaultID, now)
		}
		s.CurrentStep = a.catalog.FirstStepAfterCheckout()
		s.PendingCharge = nil
		reconciled = true
		return nil
	})
	if err != nil || !reconciled {
		return err
	}

	a.logger.Info("Completed checkout from gateway callback",
		zap.String("session_id", sess.ID),
		zap.String("transaction_id", sess.TransactionID),
		zap.Bool("vault_stored", sess.VaultID != ""),
		zap.String("next_step", string(sess.CurrentStep)),
	)

	order := &domain.MainOrder{
		SessionID:      sess.ID,
		OrderID:        sess.OrderID,
		Customer:       sess.Customer,
		Shipping:       sess.Shipping,
		LineItems:      sess.LineItems,
		Subtotal:       sess.Subtotal,
		Tax:            sess.Tax,
		ShippingAmount: sess.ShippingAmount,
		Total:          sess.Amount,
		TransactionID:  sess.TransactionID,
		VaultID:        sess.VaultID,
		CreatedAt:      now,
	}
	if err := a.orders.SaveMainOrder(ctx, order); err != nil {
		a.logger.Error("Failed to persist main order",
			zap.String("session_id", sess.ID),
			zap.String("transaction_id", sess.TransactionID),
			zap.Error(err),
		)
	}
	return nil
}

// SubscribeTo registers the applier for the event types it handles
func (a *Applier) SubscribeTo(bus Subscriber) {
	for _, t := range []domain.EventType{
		domain.EventPaymentFailed,
		domain.EventVaultUpdated,
		domain.EventPaymentSucceeded,
	} {
		bus.Subscribe(t, a.Handle)
	}
}
