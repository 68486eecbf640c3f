// Package funnel serves the public checkout, upsell, card update, order and
// session status endpoints
package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/handlers/apierror"
	"github.com/kevin07696/funnel-service/internal/services/checkout"
	"github.com/kevin07696/funnel-service/internal/services/recovery"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/internal/services/upsell"
	"github.com/kevin07696/funnel-service/pkg/middleware"
	"github.com/kevin07696/funnel-service/pkg/resilience"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// CheckoutService runs the main purchase
type CheckoutService interface {
	Checkout(ctx context.Context, req *checkout.Request) (*checkout.Result, error)
}

// UpsellService answers one-click offers
type UpsellService interface {
	Process(ctx context.Context, req upsell.Request) (*domain.ChargeOutcome, error)
}

// RecoveryService replaces a rejected stored card
type RecoveryService interface {
	Recover(ctx context.Context, req recovery.Request) (*recovery.Result, error)
	UpdateVaultDirect(ctx context.Context, vaultID, paymentToken string, customer domain.CustomerInfo) (*domain.GatewayResult, error)
}

// OrderService builds order summaries
type OrderService interface {
	Summary(ctx context.Context, sessionID string) (*domain.OrderSummary, error)
}

// SessionReader reads live sessions
type SessionReader interface {
	Get(ctx context.Context, id string) (*domain.FunnelSession, error)
}

// StatusWaiter long-polls a session
type StatusWaiter interface {
	Wait(ctx context.Context, id string, cond session.Condition) (resilience.PollResult[*domain.FunnelSession], error)
}

// Handler serves the funnel API
type Handler struct {
	checkout CheckoutService
	upsells  UpsellService
	recovery RecoveryService
	orders   OrderService
	sessions SessionReader
	watcher  StatusWaiter
	errors   apierror.Writer
	logger   *zap.Logger
}

// NewHandler creates the funnel API handler
func NewHandler(
	checkoutSvc CheckoutService,
	upsells UpsellService,
	recoverySvc RecoveryService,
	orders OrderService,
	sessions SessionReader,
	watcher StatusWaiter,
	showGatewayText bool,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		checkout: checkoutSvc,
		upsells:  upsells,
		recovery: recoverySvc,
		orders:   orders,
		sessions: sessions,
		watcher:  watcher,
		errors:   apierror.Writer{ShowGatewayText: showGatewayText, Logger: logger},
		logger:   logger,
	}
}

// Register mounts the routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/checkout", h.Checkout)
	mux.HandleFunc("POST /api/v1/upsells", h.Upsell)
	mux.HandleFunc("POST /api/v1/vault", h.UpdateVault)
	mux.HandleFunc("GET /api/v1/orders/{sessionID}", h.OrderSummary)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/status", h.SessionStatus)
}

// CheckoutResponse is returned after an approved checkout
type CheckoutResponse struct {
	SessionID     string `json:"session_id"`
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	NextStep      string `json:"next_step"`
	NextLocation  string `json:"next_location"`
	Subtotal      string `json:"subtotal"`
	Tax           string `json:"tax"`
	Shipping      string `json:"shipping"`
	Total         string `json:"total"`
	Synthesized   bool   `json:"synthesized,omitempty"`
}

// Checkout handles POST /api/v1/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}
	req.IPAddress = middleware.ClientIP(r)

	res, err := h.checkout.Checkout(r.Context(), &req)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}

	apierror.JSON(w, http.StatusOK, CheckoutResponse{
		SessionID:     res.SessionID,
		TransactionID: res.TransactionID,
		OrderID:       res.OrderID,
		NextStep:      string(res.NextStep),
		NextLocation:  res.NextStep.Location(),
		Subtotal:      res.Subtotal,
		Tax:           res.Tax,
		Shipping:      res.Shipping,
		Total:         res.Total,
		Synthesized:   res.Synthesized,
	})
}

// ChargeResponse is returned after an upsell answer or a retried charge
type ChargeResponse struct {
	SessionID     string `json:"session_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	NextStep      string `json:"next_step"`
	NextLocation  string `json:"next_location"`
	Amount        string `json:"amount"`
	Synthesized   bool   `json:"synthesized,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

func chargeResponse(o *domain.ChargeOutcome) *ChargeResponse {
	if o == nil {
		return nil
	}
	return &ChargeResponse{
		SessionID:     o.SessionID,
		TransactionID: o.TransactionID,
		NextStep:      string(o.NextStep),
		NextLocation:  o.NextStep.Location(),
		Amount:        o.Amount.StringFixed(2),
		Synthesized:   o.Synthesized,
		Replayed:      o.Replayed,
	}
}

// Upsell handles POST /api/v1/upsells
func (h *Handler) Upsell(w http.ResponseWriter, r *http.Request) {
	var req upsell.Request
	if err := decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}

	outcome, err := h.upsells.Process(r.Context(), req)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	apierror.JSON(w, http.StatusOK, chargeResponse(outcome))
}

// VaultRequest updates a stored card, either directly by vault id or by
// running card recovery for a session
type VaultRequest struct {
	PaymentToken string              `json:"payment_token"`
	SessionID    string              `json:"session_id,omitempty"`
	VaultID      string              `json:"vault_id,omitempty"`
	Customer     domain.CustomerInfo `json:"customer"`
	Billing      *domain.Address     `json:"billing,omitempty"`
}

// VaultResponse carries the refreshed vault and any re-issued charge
type VaultResponse struct {
	VaultID string          `json:"vault_id"`
	Charge  *ChargeResponse `json:"charge,omitempty"`
}

// UpdateVault handles POST /api/v1/vault
func (h *Handler) UpdateVault(w http.ResponseWriter, r *http.Request) {
	var req VaultRequest
	if err := decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}

	if req.SessionID != "" {
		res, err := h.recovery.Recover(r.Context(), recovery.Request{
			SessionID:    req.SessionID,
			PaymentToken: req.PaymentToken,
			Billing:      req.Billing,
		})
		if err != nil {
			h.errors.Write(w, r, err)
			return
		}
		apierror.JSON(w, http.StatusOK, VaultResponse{VaultID: res.VaultID, Charge: chargeResponse(res.Charge)})
		return
	}

	customer := req.Customer
	if req.Billing != nil && customer.Billing.Address1 == "" {
		customer.Billing = *req.Billing
	}
	result, err := h.recovery.UpdateVaultDirect(r.Context(), req.VaultID, req.PaymentToken, customer)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	vaultID := result.VaultID
	if vaultID == "" {
		vaultID = req.VaultID
	}
	apierror.JSON(w, http.StatusOK, VaultResponse{VaultID: vaultID})
}

// OrderSummary handles GET /api/v1/orders/{sessionID}
func (h *Handler) OrderSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.orders.Summary(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	apierror.JSON(w, http.StatusOK, summary)
}

// StatusResponse is a snapshot of a session's progress
type StatusResponse struct {
	SessionID       string   `json:"session_id"`
	Status          string   `json:"status"`
	CurrentStep     string   `json:"current_step"`
	NextLocation    string   `json:"next_location"`
	TransactionID   string   `json:"transaction_id,omitempty"`
	HasVault        bool     `json:"has_vault"`
	PendingCharge   bool     `json:"pending_charge"`
	UpsellsAccepted []string `json:"upsells_accepted"`
	UpsellsDeclined []string `json:"upsells_declined"`
	ExpiresAt       string   `json:"expires_at"`

	// Wait is the long-poll end state when wait was requested
	Wait string `json:"wait,omitempty"`
}

// SessionStatus handles GET /api/v1/sessions/{sessionID}/status.
// With wait=true it polls until the session settles; with after=<step> it
// polls until the session leaves that step. Both are bounded.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionID")
	q := r.URL.Query()

	var cond session.Condition
	switch {
	case q.Get("after") != "":
		cond = session.StepLeft(domain.FunnelStep(q.Get("after")))
	case q.Get("wait") == "true":
		cond = session.Settled
	}

	if cond == nil {
		sess, err := h.sessions.Get(r.Context(), id)
		if err != nil {
			h.errors.Write(w, r, err)
			return
		}
		apierror.JSON(w, http.StatusOK, statusResponse(sess, ""))
		return
	}

	res, err := h.watcher.Wait(r.Context(), id, cond)
	if err != nil && res.Value == nil {
		h.errors.Write(w, r, err)
		return
	}
	apierror.JSON(w, http.StatusOK, statusResponse(res.Value, res.State.String()))
}

func statusResponse(s *domain.FunnelSession, wait string) StatusResponse {
	accepted := s.UpsellsAccepted
	if accepted == nil {
		accepted = []string{}
	}
	declined := s.UpsellsDeclined
	if declined == nil {
		declined = []string{}
	}
	return StatusResponse{
		SessionID:       s.ID,
		Status:          string(s.Status),
		CurrentStep:     string(s.CurrentStep),
		NextLocation:    s.CurrentStep.Location(),
		TransactionID:   s.TransactionID,
		HasVault:        s.VaultID != "",
		PendingCharge:   s.PendingCharge != nil,
		UpsellsAccepted: accepted,
		UpsellsDeclined: declined,
		ExpiresAt:       s.ExpiresAt.Format(time.RFC3339),
		Wait:            wait,
	}
}

// decode reads a bounded JSON body; unknown fields are ignored
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return domain.NewValidationError(map[string]string{"body": "is required"})
		case errors.As(err, &maxErr):
			return domain.NewValidationError(map[string]string{"body": "is too large"})
		default:
			msg := strings.TrimPrefix(err.Error(), "json: ")
			return domain.NewValidationError(map[string]string{"body": "invalid JSON: " + msg})
		}
	}
	return nil
}
