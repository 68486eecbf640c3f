// Package upsell charges one-click upsell offers against the card stored in
// the gateway vault at checkout.
package upsell

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kevin07696/funnel-service/internal/catalog"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/internal/services/recovery"
	"github.com/kevin07696/funnel-service/internal/services/session"
	pkgerrors "github.com/kevin07696/funnel-service/pkg/errors"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Request is the customer's answer to the offer at Step
type Request struct {
	SessionID   string `json:"session_id"`
	ProductCode string `json:"product_code"`
	Step        int    `json:"step"`
	Accept      bool   `json:"accept"`

	// RecoveryToken is a freshly collected card token. When the stored card
	// is rejected it is used to run card recovery in the same request.
	RecoveryToken string `json:"recovery_token,omitempty"`
}

// CardRecoverer runs the card recovery flow for a rejected vault
type CardRecoverer interface {
	Recover(ctx context.Context, req recovery.Request) (*recovery.Result, error)
}

// Processor is the upsell processor
type Processor struct {
	sessions  *session.Store
	gateway   ports.PaymentGateway
	orders    ports.OrderRepository
	events    ports.EventPublisher
	catalog   *catalog.Catalog
	recoverer CardRecoverer
	clock     timeutil.Clock
	logger    *zap.Logger

	inflight singleflight.Group
}

// NewProcessor creates the upsell processor. recoverer may be nil, in which
// case vault rejections are always returned to the client.
func NewProcessor(
	sessions *session.Store,
	gateway ports.PaymentGateway,
	orders ports.OrderRepository,
	events ports.EventPublisher,
	cat *catalog.Catalog,
	recoverer CardRecoverer,
	clock timeutil.Clock,
	logger *zap.Logger,
) *Processor {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Processor{
		sessions:  sessions,
		gateway:   gateway,
		orders:    orders,
		events:    events,
		catalog:   cat,
		recoverer: recoverer,
		clock:     clock,
		logger:    logger,
	}
}

// Process accepts or declines the offer at req.Step.
//
// Identical concurrent requests share one execution. A step that is already
// recorded is answered from the session without a gateway call.
func (p *Processor) Process(ctx context.Context, req Request) (*domain.ChargeOutcome, error) {
	offer, err := p.resolveOffer(req)
	if err != nil {
		return nil, err
	}

	v, err, shared := p.inflight.Do(inflightKey(req), func() (interface{}, error) {
		if req.Accept {
			return p.accept(ctx, req, offer)
		}
		return p.decline(ctx, req, offer)
	})
	if shared {
		p.logger.Debug("Upsell request collapsed with an in-flight duplicate",
			zap.String("session_id", req.SessionID),
			zap.Int("step", req.Step),
		)
	}
	if err != nil {
		return nil, err
	}
	outcome := *v.(*domain.ChargeOutcome)
	return &outcome, nil
}

// inflightKey identifies requests that may share one execution. An accept
// and a decline for the same step never collapse into each other.
func inflightKey(req Request) string {
	return fmt.Sprintf("%s:%d:%s:%t", req.SessionID, req.Step, req.ProductCode, req.Accept)
}

// RetryPendingCharge re-issues an upsell charge parked by a vault rejection,
// using the session's refreshed vault
func (p *Processor) RetryPendingCharge(ctx context.Context, sess *domain.FunnelSession, _ string) (*domain.ChargeOutcome, error) {
	pc := sess.PendingCharge
	if pc == nil || pc.Kind != domain.ChargeKindUpsell {
		return nil, domain.ErrNoPendingCharge
	}
	offer, ok := p.catalog.Offer(pc.Step)
	if !ok || offer.ProductCode != pc.ProductCode {
		return nil, domain.WrapError(domain.ErrorCodeSessionInvalidState, "pending upsell no longer offered",
			fmt.Errorf("step %d product %s", pc.Step, pc.ProductCode))
	}

	charge := p.chargeRequest(sess, offer)
	result, err := p.gateway.Sale(ctx, charge)
	return p.settle(ctx, sess, offer, charge, result, err, true, "")
}

func (p *Processor) accept(ctx context.Context, req Request, offer catalog.Offer) (*domain.ChargeOutcome, error) {
	sess, err := p.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if rec, ok := sess.FindUpsell(offer.Step); ok {
		return p.replay(sess, rec, offer)
	}
	if err := p.checkReady(sess, offer.Step); err != nil {
		return nil, err
	}
	if sess.VaultID == "" {
		return nil, domain.ErrNoVaultReference
	}

	charge := p.chargeRequest(sess, offer)
	p.logger.Info("Charging upsell",
		zap.String("session_id", sess.ID),
		zap.Int("step", offer.Step),
		zap.String("product_code", offer.ProductCode),
		zap.String("amount", offer.Price.StringFixed(2)),
	)

	result, err := p.gateway.Sale(ctx, charge)
	return p.settle(ctx, sess, offer, charge, result, err, false, req.RecoveryToken)
}

func (p *Processor) decline(ctx context.Context, req Request, offer catalog.Offer) (*domain.ChargeOutcome, error) {
	sess, err := p.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if rec, ok := sess.FindUpsell(offer.Step); ok {
		return nil, domain.WrapError(domain.ErrorCodeSessionInvalidState, "offer already accepted",
			fmt.Errorf("step %d charged as %s", rec.Step, rec.TransactionID))
	}

	next := p.catalog.NextStepAfterUpsell(offer.Step)
	current := domain.UpsellStep(offer.Step)
	sess, err = p.sessions.Mutate(ctx, sess.ID, func(s *domain.FunnelSession) error {
		if s.Status != domain.SessionStatusCompleted {
			return domain.ErrSessionInvalidState
		}
		s.DeclineUpsell(offer.ProductCode)
		if s.CurrentStep == current {
			s.CurrentStep = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RecordUpsell(strconv.Itoa(offer.Step), "declined", decimal.Zero)
	p.publish(ctx, domain.Event{
		Type:        domain.EventUpsellDeclined,
		SessionID:   sess.ID,
		OrderID:     sess.OrderID,
		Step:        offer.Step,
		ProductCode: offer.ProductCode,
		Amount:      offer.Price,
		Status:      "declined",
	})
	p.logger.Info("Upsell declined by customer",
		zap.String("session_id", sess.ID),
		zap.Int("step", offer.Step),
		zap.String("next_step", string(sess.CurrentStep)),
	)

	return &domain.ChargeOutcome{SessionID: sess.ID, NextStep: sess.CurrentStep}, nil
}

// settle applies the gateway answer for an upsell charge
func (p *Processor) settle(
	ctx context.Context,
	sess *domain.FunnelSession,
	offer catalog.Offer,
	charge *domain.ChargeRequest,
	result *domain.GatewayResult,
	err error,
	recovered bool,
	recoveryToken string,
) (*domain.ChargeOutcome, error) {
	step := strconv.Itoa(offer.Step)
	logger := p.logger.With(zap.String("session_id", sess.ID), zap.Int("step", offer.Step))

	switch {
	case err == nil && result != nil && result.Approved:
		return p.record(ctx, sess.ID, offer, result.TransactionID, recovered, false)

	case err == nil:
		return nil, p.declined(ctx, sess, offer, charge, result, domain.NewDeclinedError(pkgerrors.CategoryDeclined, responseText(result)))

	case domain.IsDomainError(err, domain.ErrorCodeGatewayDuplicate):
		prior := domain.PriorTransactionID(err)
		if prior == "" {
			prior = p.priorUpsellTransaction(ctx, sess.ID, offer)
		}
		observability.RecordUpsell(step, "duplicate", decimal.Zero)
		logger.Warn("Duplicate upsell charge, treating prior transaction as approval",
			zap.String("prior_transaction_id", prior),
		)
		return p.record(ctx, sess.ID, offer, prior, recovered, true)

	case domain.IsDomainError(err, domain.ErrorCodeGatewayDeclined):
		return nil, p.declined(ctx, sess, offer, charge, result, err)

	case domain.IsVaultError(err) && !recovered:
		observability.RecordUpsell(step, "vault_error", decimal.Zero)
		logger.Warn("Stored card rejected for upsell", zap.Error(err))
		_, serr := p.sessions.SetPendingCharge(ctx, sess.ID, domain.PendingCharge{
			Kind:        domain.ChargeKindUpsell,
			Step:        offer.Step,
			ProductCode: offer.ProductCode,
			Amount:      offer.Price,
			LineItems:   charge.LineItems,
			CreatedAt:   p.clock.Now(),
		})
		if serr != nil {
			logger.Error("Failed to record pending charge", zap.Error(serr))
			return nil, withSession(err, sess.ID)
		}
		if recoveryToken == "" || p.recoverer == nil {
			return nil, withSession(err, sess.ID)
		}

		res, rerr := p.recoverer.Recover(ctx, recovery.Request{SessionID: sess.ID, PaymentToken: recoveryToken})
		if rerr != nil {
			return nil, withSession(rerr, sess.ID)
		}
		return res.Charge, nil

	default:
		observability.RecordUpsell(step, "failed", decimal.Zero)
		logger.Error("Upsell charge failed", zap.Error(err))
		return nil, withSession(err, sess.ID)
	}
}

// declined records the product as declined; the funds state is unchanged and
// the customer stays on the offer
func (p *Processor) declined(ctx context.Context, sess *domain.FunnelSession, offer catalog.Offer, charge *domain.ChargeRequest, result *domain.GatewayResult, err error) error {
	observability.RecordUpsell(strconv.Itoa(offer.Step), "failed", decimal.Zero)
	p.logger.Info("Upsell charge declined",
		zap.String("session_id", sess.ID),
		zap.Int("step", offer.Step),
		zap.Error(err),
	)

	if _, serr := p.sessions.DeclineUpsell(ctx, sess.ID, offer.ProductCode); serr != nil {
		p.logger.Error("Failed to record declined upsell",
			zap.String("session_id", sess.ID),
			zap.Error(serr),
		)
	}
	p.publish(ctx, domain.Event{
		Type:          domain.EventPaymentFailed,
		SessionID:     sess.ID,
		OrderID:       charge.OrderID,
		TransactionID: transactionID(result),
		Step:          offer.Step,
		ProductCode:   offer.ProductCode,
		Amount:        charge.Amount,
		Status:        "declined",
	})
	return withSession(err, sess.ID)
}

// record appends the approved upsell, advances the step and persists it
// priorUpsellTransaction finds the transaction that already charged offer
// when the gateway's duplicate answer carried no reference. The session is
// consulted first, then the order ledger.
func (p *Processor) priorUpsellTransaction(ctx context.Context, sessionID string, offer catalog.Offer) string {
	logger := p.logger.With(zap.String("session_id", sessionID), zap.Int("step", offer.Step))

	if sess, err := p.sessions.Get(ctx, sessionID); err == nil {
		if rec, ok := sess.FindUpsell(offer.Step); ok && rec.TransactionID != "" {
			return rec.TransactionID
		}
	} else {
		logger.Warn("Failed to reload session for duplicate upsell", zap.Error(err))
	}

	orders, err := p.orders.ListUpsellOrders(ctx, sessionID)
	if err != nil {
		logger.Warn("Failed to read upsell ledger for duplicate upsell", zap.Error(err))
		return ""
	}
	for _, o := range orders {
		if o.Step == offer.Step && o.ProductCode == offer.ProductCode && o.TransactionID != "" {
			return o.TransactionID
		}
	}
	logger.Warn("Duplicate upsell has no known prior transaction")
	return ""
}

func (p *Processor) record(ctx context.Context, sessionID string, offer catalog.Offer, txID string, recovered, synthesized bool) (*domain.ChargeOutcome, error) {
	now := p.clock.Now()
	next := p.catalog.NextStepAfterUpsell(offer.Step)
	rec := domain.UpsellRecord{
		Step:          offer.Step,
		ProductCode:   offer.ProductCode,
		Amount:        offer.Price,
		TransactionID: txID,
		Timestamp:     now,
		Recovered:     recovered,
		Synthesized:   synthesized,
	}

	sess, err := p.sessions.Mutate(ctx, sessionID, func(s *domain.FunnelSession) error {
		if err := s.AppendUpsell(rec); err != nil {
			return err
		}
		s.AcceptUpsell(offer.ProductCode)
		s.CurrentStep = next
		if s.PendingCharge != nil && s.PendingCharge.Kind == domain.ChargeKindUpsell && s.PendingCharge.Step == offer.Step {
			s.PendingCharge = nil
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateStep) {
		// another process recorded this step first
		latest, gerr := p.sessions.Get(ctx, sessionID)
		if gerr != nil {
			return nil, gerr
		}
		existing, _ := latest.FindUpsell(offer.Step)
		return p.replay(latest, existing, offer)
	}
	if err != nil {
		p.logger.Error("Failed to record approved upsell",
			zap.String("session_id", sessionID),
			zap.Int("step", offer.Step),
			zap.String("transaction_id", txID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("upsell approved as %s but session update failed: %w", txID, err)
	}

	if err := p.orders.SaveUpsellOrder(ctx, &domain.UpsellOrder{
		SessionID:     sess.ID,
		OrderID:       sess.OrderID,
		Step:          rec.Step,
		ProductCode:   rec.ProductCode,
		Amount:        rec.Amount,
		TransactionID: txID,
		CreatedAt:     now,
	}); err != nil {
		p.logger.Error("Failed to persist upsell order",
			zap.String("session_id", sess.ID),
			zap.Int("step", rec.Step),
			zap.Error(err),
		)
	}

	status := "accepted"
	if synthesized {
		status = "synthesized"
	}
	p.publish(ctx, domain.Event{
		Type:          domain.EventUpsellAccepted,
		SessionID:     sess.ID,
		OrderID:       sess.OrderID,
		TransactionID: txID,
		VaultID:       sess.VaultID,
		Step:          rec.Step,
		ProductCode:   rec.ProductCode,
		Amount:        rec.Amount,
		Status:        status,
	})

	if !synthesized {
		observability.RecordUpsell(strconv.Itoa(rec.Step), "accepted", rec.Amount)
	}
	p.logger.Info("Upsell accepted",
		zap.String("session_id", sess.ID),
		zap.Int("step", rec.Step),
		zap.String("transaction_id", txID),
		zap.Bool("recovered", recovered),
		zap.Bool("synthesized", synthesized),
		zap.String("next_step", string(next)),
	)

	return &domain.ChargeOutcome{
		SessionID:     sess.ID,
		TransactionID: txID,
		NextStep:      next,
		Amount:        rec.Amount,
		Synthesized:   synthesized,
	}, nil
}

// replay answers a repeated request for a step that is already charged
func (p *Processor) replay(sess *domain.FunnelSession, rec domain.UpsellRecord, offer catalog.Offer) (*domain.ChargeOutcome, error) {
	if rec.ProductCode != offer.ProductCode {
		return nil, domain.WrapError(domain.ErrorCodeSessionInvalidState, "step already charged for another product",
			fmt.Errorf("step %d charged for %s", rec.Step, rec.ProductCode))
	}
	observability.RecordUpsell(strconv.Itoa(rec.Step), "replayed", decimal.Zero)
	p.logger.Info("Upsell already recorded, returning existing charge",
		zap.String("session_id", sess.ID),
		zap.Int("step", rec.Step),
		zap.String("transaction_id", rec.TransactionID),
	)
	return &domain.ChargeOutcome{
		SessionID:     sess.ID,
		TransactionID: rec.TransactionID,
		NextStep:      p.catalog.NextStepAfterUpsell(rec.Step),
		Amount:        rec.Amount,
		Synthesized:   rec.Synthesized,
		Replayed:      true,
	}, nil
}

// checkReady requires a completed checkout sitting on the offer's step
func (p *Processor) checkReady(sess *domain.FunnelSession, step int) error {
	if sess.Status != domain.SessionStatusCompleted {
		return domain.WrapError(domain.ErrorCodeSessionInvalidState, "checkout has not completed",
			fmt.Errorf("status %s", sess.Status))
	}
	if sess.CurrentStep != domain.UpsellStep(step) {
		return domain.WrapError(domain.ErrorCodeSessionInvalidState, "offer is not the current step",
			fmt.Errorf("current step %s, requested upsell-%d", sess.CurrentStep, step))
	}
	return nil
}

func (p *Processor) resolveOffer(req Request) (catalog.Offer, error) {
	fields := map[string]string{}
	if strings.TrimSpace(req.SessionID) == "" {
		fields["session_id"] = "is required"
	}
	if strings.TrimSpace(req.ProductCode) == "" {
		fields["product_code"] = "is required"
	}
	if req.Step < 1 {
		fields["step"] = "must be greater than 0"
	}
	if len(fields) > 0 {
		return catalog.Offer{}, domain.NewValidationError(fields)
	}

	offer, ok := p.catalog.Offer(req.Step)
	if !ok || offer.ProductCode != req.ProductCode {
		return catalog.Offer{}, domain.NewValidationError(map[string]string{
			"product_code": fmt.Sprintf("is not offered at step %d", req.Step),
		})
	}
	return offer, nil
}

func (p *Processor) chargeRequest(sess *domain.FunnelSession, offer catalog.Offer) *domain.ChargeRequest {
	return &domain.ChargeRequest{
		Amount:           offer.Price,
		VaultID:          sess.VaultID,
		Customer:         sess.Customer,
		Shipping:         sess.Shipping,
		OrderID:          upsellOrderID(sess.OrderID, offer.Step),
		OrderDescription: offer.Name,
		LineItems:        []domain.LineItem{offer.LineItem()},
		MerchantFields:   domain.MerchantFields(sess.ID, domain.UpsellStep(offer.Step), sess.Metadata[domain.MetadataSource]),
	}
}

func (p *Processor) publish(ctx context.Context, event domain.Event) {
	event.ID = uuid.NewString()
	event.OccurredAt = p.clock.Now()
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}

func upsellOrderID(orderID string, step int) string {
	if orderID == "" {
		return ""
	}
	return orderID + "-U" + strconv.Itoa(step)
}

func withSession(err error, sessionID string) error {
	if domain.IsGatewayError(err) || domain.IsVaultError(err) {
		de, _ := domain.AsDomainError(err)
		de.WithDetail("session_id", sessionID)
	}
	return err
}

func transactionID(result *domain.GatewayResult) string {
	if result == nil {
		return ""
	}
	return result.TransactionID
}

func responseText(result *domain.GatewayResult) string {
	if result == nil {
		return ""
	}
	return result.ResponseText
}
