// Package checkout runs the first charge of the funnel: it prices the cart,
// opens the session and stores the card in the gateway vault for the
// one-click upsells that follow.
package checkout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kevin07696/funnel-service/internal/catalog"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/internal/services/session"
	pkgerrors "github.com/kevin07696/funnel-service/pkg/errors"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// gateway limit for order_description
const maxDescriptionBytes = 255

// Result is returned to the client after an approved checkout
type Result struct {
	domain.ChargeOutcome
	OrderID  string `json:"order_id"`
	Subtotal string `json:"subtotal"`
	Tax      string `json:"tax"`
	Shipping string `json:"shipping"`
	Total    string `json:"total"`
}

// Service is the checkout orchestrator
type Service struct {
	sessions  *session.Store
	gateway   ports.PaymentGateway
	orders    ports.OrderRepository
	events    ports.EventPublisher
	catalog   *catalog.Catalog
	clock     timeutil.Clock
	validator *validator.Validate
	logger    *zap.Logger
}

// NewService creates the checkout orchestrator
func NewService(
	sessions *session.Store,
	gateway ports.PaymentGateway,
	orders ports.OrderRepository,
	events ports.EventPublisher,
	cat *catalog.Catalog,
	clock timeutil.Clock,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Service{
		sessions:  sessions,
		gateway:   gateway,
		orders:    orders,
		events:    events,
		catalog:   cat,
		clock:     clock,
		validator: newValidator(),
		logger:    logger,
	}
}

// Checkout validates and prices the cart, opens a session and charges the
// payment token with a vault-store directive.
//
// A declined charge leaves the session failed. A rejected vault leaves it
// processing with a pending charge for card recovery. An unreachable
// gateway leaves it processing because the charge may still settle.
func (s *Service) Checkout(ctx context.Context, req *Request) (*Result, error) {
	if err := validate(s.validator, req); err != nil {
		observability.RecordCheckout("invalid", decimal.Zero)
		return nil, err
	}

	items := s.lineItems(req.LineItems)
	totals := s.catalog.Price(items, req.taxState())
	customer := req.Customer.toDomain()

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = newOrderID()
	}

	sess, err := s.sessions.Create(ctx, domain.NewSession{
		Email:          customer.Email,
		Customer:       customer,
		Shipping:       req.shipping(),
		LineItems:      items,
		Subtotal:       totals.Subtotal,
		Tax:            totals.Tax,
		ShippingAmount: totals.Shipping,
		Amount:         totals.Total,
		OrderID:        orderID,
		Metadata:       sessionMetadata(req),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	processing := domain.SessionStatusProcessing
	step := domain.StepProcessing
	sess, err = s.sessions.Update(ctx, sess.ID, domain.SessionPatch{Status: &processing, CurrentStep: &step})
	if err != nil {
		return nil, fmt.Errorf("failed to start checkout: %w", err)
	}

	s.logger.Info("Checkout started",
		zap.String("session_id", sess.ID),
		zap.String("order_id", orderID),
		zap.String("total", totals.Total.StringFixed(2)),
		zap.Int("line_items", len(items)),
		zap.Bool("has_payment_token", req.PaymentToken != ""),
	)

	charge := &domain.ChargeRequest{
		Amount:           totals.Total,
		TaxAmount:        totals.Tax,
		ShippingAmount:   totals.Shipping,
		PaymentToken:     req.PaymentToken,
		VaultDirective:   domain.VaultAdd,
		Customer:         customer,
		Shipping:         sess.Shipping,
		OrderID:          orderID,
		OrderDescription: describe(items),
		IPAddress:        req.IPAddress,
		LineItems:        items,
		MerchantFields:   domain.MerchantFields(sess.ID, domain.StepCheckout, req.Source),
	}

	result, err := s.gateway.Sale(ctx, charge)
	outcome, err := s.settle(ctx, sess, charge, result, err)
	if err != nil {
		return nil, withSession(err, sess.ID)
	}

	return &Result{
		ChargeOutcome: *outcome,
		OrderID:       orderID,
		Subtotal:      totals.Subtotal.StringFixed(2),
		Tax:           totals.Tax.StringFixed(2),
		Shipping:      totals.Shipping.StringFixed(2),
		Total:         totals.Total.StringFixed(2),
	}, nil
}

// RetryPendingCharge re-issues a checkout charge parked by a vault error.
// freshToken is charged with a vault-store directive when the session has no
// vault yet; otherwise the refreshed vault is charged.
func (s *Service) RetryPendingCharge(ctx context.Context, sess *domain.FunnelSession, freshToken string) (*domain.ChargeOutcome, error) {
	pc := sess.PendingCharge
	if pc == nil || pc.Kind != domain.ChargeKindCheckout {
		return nil, domain.ErrNoPendingCharge
	}

	charge := &domain.ChargeRequest{
		Amount:           pc.Amount,
		TaxAmount:        sess.Tax,
		ShippingAmount:   sess.ShippingAmount,
		Customer:         sess.Customer,
		Shipping:         sess.Shipping,
		OrderID:          sess.OrderID,
		OrderDescription: describe(pc.LineItems),
		LineItems:        pc.LineItems,
		MerchantFields:   domain.MerchantFields(sess.ID, domain.StepCheckout, sess.Metadata[domain.MetadataSource]),
	}
	if sess.VaultID != "" {
		charge.VaultID = sess.VaultID
	} else {
		charge.PaymentToken = freshToken
		charge.VaultDirective = domain.VaultAdd
	}

	result, err := s.gateway.Sale(ctx, charge)
	outcome, err := s.settle(ctx, sess, charge, result, err)
	if err != nil {
		return nil, withSession(err, sess.ID)
	}
	return outcome, nil
}

// settle applies the gateway answer to the session
func (s *Service) settle(ctx context.Context, sess *domain.FunnelSession, charge *domain.ChargeRequest, result *domain.GatewayResult, err error) (*domain.ChargeOutcome, error) {
	logger := s.logger.With(zap.String("session_id", sess.ID), zap.String("order_id", charge.OrderID))

	switch {
	case err == nil && result != nil && result.Approved:
		return s.complete(ctx, sess.ID, charge, result.TransactionID, result.VaultID, false)

	case err == nil:
		// an unapproved answer without a classified error is treated as a decline
		text := ""
		if result != nil {
			text = result.ResponseText
		}
		err = domain.NewDeclinedError(pkgerrors.CategoryDeclined, text)
		fallthrough

	case domain.IsDomainError(err, domain.ErrorCodeGatewayDeclined):
		observability.RecordCheckout("declined", decimal.Zero)
		logger.Info("Checkout declined", zap.Error(err))
		if _, serr := s.sessions.SetStatus(ctx, sess.ID, domain.SessionStatusFailed); serr != nil {
			logger.Error("Failed to mark session failed", zap.Error(serr))
		}
		s.publish(ctx, domain.Event{
			Type:          domain.EventPaymentFailed,
			SessionID:     sess.ID,
			OrderID:       charge.OrderID,
			TransactionID: transactionID(result),
			Amount:        charge.Amount,
			Status:        "declined",
		})
		return nil, err

	case domain.IsDomainError(err, domain.ErrorCodeGatewayDuplicate):
		prior := domain.PriorTransactionID(err)
		observability.RecordCheckout("duplicate", decimal.Zero)
		vaultID := s.priorVault(ctx, result, prior)
		if vaultID == "" {
			// upsells need the stored card, so completing here would only move the failure
			logger.Warn("Duplicate checkout charge with no stored card to resume from",
				zap.String("prior_transaction_id", prior),
			)
			s.park(ctx, sess.ID, charge, logger)
			return nil, domain.NewVaultError(transactionText(result))
		}
		logger.Warn("Duplicate checkout charge, treating prior transaction as approval",
			zap.String("prior_transaction_id", prior),
		)
		return s.complete(ctx, sess.ID, charge, prior, vaultID, true)

	case domain.IsVaultError(err):
		observability.RecordCheckout("vault_error", decimal.Zero)
		logger.Warn("Checkout card rejected by vault, awaiting card update", zap.Error(err))
		s.park(ctx, sess.ID, charge, logger)
		return nil, err

	case domain.IsDomainError(err, domain.ErrorCodeGatewayUnavailable):
		observability.RecordCheckout("unavailable", decimal.Zero)
		de, _ := domain.AsDomainError(err)
		logger.Error("Gateway unavailable during checkout",
			zap.Bool("unconfirmed", de.Unconfirmed),
			zap.Error(err),
		)
		return nil, err

	default:
		logger.Error("Checkout charge failed", zap.Error(err))
		return nil, err
	}
}

// priorVault finds the vault of the charge a duplicate matched: the gateway
// answer first, then the main order recorded for that transaction
func (s *Service) priorVault(ctx context.Context, result *domain.GatewayResult, priorTxID string) string {
	if result != nil && result.VaultID != "" {
		return result.VaultID
	}
	if priorTxID == "" {
		return ""
	}
	order, err := s.orders.FindMainOrderByTransaction(ctx, priorTxID)
	if err != nil {
		s.logger.Warn("Failed to look up prior checkout",
			zap.String("prior_transaction_id", priorTxID),
			zap.Error(err),
		)
		return ""
	}
	if order == nil {
		return ""
	}
	return order.VaultID
}

// park records the charge for card recovery
func (s *Service) park(ctx context.Context, sessionID string, charge *domain.ChargeRequest, logger *zap.Logger) {
	_, err := s.sessions.SetPendingCharge(ctx, sessionID, domain.PendingCharge{
		Kind:      domain.ChargeKindCheckout,
		Amount:    charge.Amount,
		LineItems: charge.LineItems,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		logger.Error("Failed to record pending charge", zap.Error(err))
	}
}

// complete records an approval: completed status, transaction and vault ids,
// the first upsell step, the main order and the milestone events
func (s *Service) complete(ctx context.Context, sessionID string, charge *domain.ChargeRequest, txID, vaultID string, synthesized bool) (*domain.ChargeOutcome, error) {
	next := s.catalog.FirstStepAfterCheckout()
	now := s.clock.Now()

	sess, err := s.sessions.Mutate(ctx, sessionID, func(sess *domain.FunnelSession) error {
		if err := sess.TransitionTo(domain.SessionStatusCompleted); err != nil {
			return err
		}
		sess.TransactionID = txID
		if vaultID != "" {
			sess.SetVault(vaultID, now)
		}
		sess.CurrentStep = next
		sess.PendingCharge = nil
		return nil
	})
	if err != nil {
		// the charge went through; the caller must not see a payment failure
		s.logger.Error("Failed to record approved checkout",
			zap.String("session_id", sessionID),
			zap.String("transaction_id", txID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("checkout approved as %s but session update failed: %w", txID, err)
	}

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
		TransactionID:  txID,
		VaultID:        sess.VaultID,
		CreatedAt:      now,
	}
	if err := s.orders.SaveMainOrder(ctx, order); err != nil {
		s.logger.Error("Failed to persist main order",
			zap.String("session_id", sess.ID),
			zap.String("transaction_id", txID),
			zap.Error(err),
		)
	}

	status := "approved"
	if synthesized {
		status = "synthesized"
	}
	s.publish(ctx, domain.Event{
		Type:          domain.EventOrderCreated,
		SessionID:     sess.ID,
		OrderID:       sess.OrderID,
		TransactionID: txID,
		Amount:        charge.Amount,
		Status:        status,
	})
	s.publish(ctx, domain.Event{
		Type:          domain.EventPaymentSucceeded,
		SessionID:     sess.ID,
		OrderID:       sess.OrderID,
		TransactionID: txID,
		VaultID:       sess.VaultID,
		Amount:        charge.Amount,
		Status:        status,
	})

	if !synthesized {
		observability.RecordCheckout("completed", charge.Amount)
	}
	s.logger.Info("Checkout completed",
		zap.String("session_id", sess.ID),
		zap.String("transaction_id", txID),
		zap.Bool("vault_stored", sess.VaultID != ""),
		zap.Bool("synthesized", synthesized),
		zap.String("next_step", string(next)),
	)

	return &domain.ChargeOutcome{
		SessionID:     sess.ID,
		TransactionID: txID,
		NextStep:      next,
		Amount:        charge.Amount,
		Synthesized:   synthesized,
	}, nil
}

func (s *Service) publish(ctx context.Context, event domain.Event) {
	event.ID = uuid.NewString()
	event.OccurredAt = s.clock.Now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}

// lineItems converts the cart, filling names from the catalog when missing
func (s *Service) lineItems(in []LineItem) []domain.LineItem {
	out := make([]domain.LineItem, len(in))
	for i, item := range in {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			if p, ok := s.catalog.Product(item.ProductCode); ok {
				name = p.Name
			} else {
				name = item.ProductCode
			}
		}
		out[i] = domain.LineItem{
			ProductCode: strings.TrimSpace(item.ProductCode),
			Name:        name,
			Price:       item.Price.Round(2),
			Quantity:    item.Quantity,
		}
	}
	return out
}

func describe(items []domain.LineItem) string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity > 1 {
			names = append(names, item.Name+" x"+strconv.Itoa(item.Quantity))
			continue
		}
		names = append(names, item.Name)
	}
	return truncate(strings.Join(names, ", "), maxDescriptionBytes)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func transactionText(result *domain.GatewayResult) string {
	if result == nil {
		return ""
	}
	return result.ResponseText
}

// withSession tags gateway errors with the session they belong to so the
// client can resume the funnel
func withSession(err error, sessionID string) error {
	if domain.IsGatewayError(err) || domain.IsVaultError(err) {
		de, _ := domain.AsDomainError(err)
		de.WithDetail("session_id", sessionID)
	}
	return err
}

// sessionMetadata copies the request metadata and records the traffic source
func sessionMetadata(req *Request) map[string]string {
	md := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if req.Source != "" {
		md[domain.MetadataSource] = req.Source
	}
	return md
}

func transactionID(result *domain.GatewayResult) string {
	if result == nil {
		return ""
	}
	return result.TransactionID
}

func newOrderID() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
