package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus represents where a funnel session is in its payment lifecycle
type SessionStatus string

const (
	SessionStatusInitiated  SessionStatus = "initiated"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

var allowedTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusInitiated:  {SessionStatusProcessing},
	SessionStatusProcessing: {SessionStatusCompleted, SessionStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Re-applying the current status is always allowed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and failed sessions
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// FunnelStep is the page the customer should see next
type FunnelStep string

const (
	StepCheckout   FunnelStep = "checkout"
	StepProcessing FunnelStep = "processing"
	StepSuccess    FunnelStep = "success"
)

const upsellStepPrefix = "upsell-"

// UpsellStep returns the step name for the n-th upsell offer (1-based)
func UpsellStep(n int) FunnelStep {
	return FunnelStep(upsellStepPrefix + strconv.Itoa(n))
}

// UpsellNumber extracts n from an "upsell-n" step
func (f FunnelStep) UpsellNumber() (int, bool) {
	s := string(f)
	if !strings.HasPrefix(s, upsellStepPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, upsellStepPrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Address is a postal address
type Address struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Country   string `json:"country,omitempty"`
}

// CustomerInfo holds the buyer's contact and billing details
type CustomerInfo struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Email     string  `json:"email"`
	Phone     string  `json:"phone,omitempty"`
	Billing   Address `json:"billing"`
}

// IsZero reports whether no customer details are present
func (c CustomerInfo) IsZero() bool {
	return c.FirstName == "" && c.LastName == "" && c.Email == ""
}

// PlaceholderCustomer is shown when no customer record can be found
func PlaceholderCustomer() CustomerInfo {
	return CustomerInfo{FirstName: "Valued", LastName: "Customer"}
}

// LineItem is one product on an order
type LineItem struct {
	ProductCode string          `json:"product_code"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
}

// Total returns price times quantity
func (l LineItem) Total() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// UpsellRecord is an accepted and charged upsell
type UpsellRecord struct {
	Step          int             `json:"step"`
	ProductCode   string          `json:"product_code"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Recovered     bool            `json:"recovered,omitempty"`
	Synthesized   bool            `json:"synthesized,omitempty"`
}

// ChargeKind identifies which funnel operation a pending charge belongs to
type ChargeKind string

const (
	ChargeKindCheckout ChargeKind = "checkout"
	ChargeKindUpsell   ChargeKind = "upsell"
)

// PendingCharge is a charge that failed on a vault error and awaits card recovery
type PendingCharge struct {
	Kind              ChargeKind      `json:"kind"`
	Step              int             `json:"step,omitempty"`
	ProductCode       string          `json:"product_code,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	LineItems         []LineItem      `json:"line_items,omitempty"`
	RecoveryAttempted bool            `json:"recovery_attempted"`
	CreatedAt         time.Time       `json:"created_at"`
}

// FunnelSession is the server-side state of one customer's pass through the funnel
type FunnelSession struct {
	ID              string            `json:"id"`
	Email           string            `json:"email"`
	Customer        CustomerInfo      `json:"customer"`
	Shipping        *Address          `json:"shipping,omitempty"`
	LineItems       []LineItem        `json:"line_items"`
	Subtotal        decimal.Decimal   `json:"subtotal"`
	Tax             decimal.Decimal   `json:"tax"`
	ShippingAmount  decimal.Decimal   `json:"shipping_amount"`
	Amount          decimal.Decimal   `json:"amount"`
	Status          SessionStatus     `json:"status"`
	CurrentStep     FunnelStep        `json:"current_step"`
	OrderID         string            `json:"order_id,omitempty"`
	VaultID         string            `json:"vault_id,omitempty"`
	TransactionID   string            `json:"transaction_id,omitempty"`
	UpsellsAccepted []string          `json:"upsells_accepted"`
	UpsellsDeclined []string          `json:"upsells_declined"`
	Upsells         []UpsellRecord    `json:"upsells"`
	PendingCharge   *PendingCharge    `json:"pending_charge,omitempty"`
	LastVaultUpdate *time.Time        `json:"last_vault_update,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// NewSession holds the caller-supplied fields for a new funnel session
type NewSession struct {
	Email          string
	Customer       CustomerInfo
	Shipping       *Address
	LineItems      []LineItem
	Subtotal       decimal.Decimal
	Tax            decimal.Decimal
	ShippingAmount decimal.Decimal
	Amount         decimal.Decimal
	OrderID        string
	Metadata       map[string]string
}

// NewFunnelSession builds an initiated session expiring ttl after now
func NewFunnelSession(id string, in NewSession, now time.Time, ttl time.Duration) (*FunnelSession, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	email := in.Email
	if email == "" {
		email = in.Customer.Email
	}
	s := &FunnelSession{
		ID:              id,
		Email:           email,
		Customer:        in.Customer,
		Shipping:        in.Shipping,
		LineItems:       append([]LineItem(nil), in.LineItems...),
		Subtotal:        in.Subtotal,
		Tax:             in.Tax,
		ShippingAmount:  in.ShippingAmount,
		Amount:          in.Amount,
		Status:          SessionStatusInitiated,
		CurrentStep:     StepCheckout,
		OrderID:         in.OrderID,
		UpsellsAccepted: []string{},
		UpsellsDeclined: []string{},
		Upsells:         []UpsellRecord{},
		Metadata:        copyStringMap(in.Metadata),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	return s, nil
}

// IsExpired reports whether the session is past its expiry at now
func (s *FunnelSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TransitionTo moves the session to next if the transition is allowed
func (s *FunnelSession) TransitionTo(next SessionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// AcceptUpsell records productCode as accepted, removing it from the declined list
func (s *FunnelSession) AcceptUpsell(productCode string) {
	s.UpsellsDeclined = removeString(s.UpsellsDeclined, productCode)
	if !containsString(s.UpsellsAccepted, productCode) {
		s.UpsellsAccepted = append(s.UpsellsAccepted, productCode)
	}
}

// DeclineUpsell records productCode as declined, removing it from the accepted list
func (s *FunnelSession) DeclineUpsell(productCode string) {
	s.UpsellsAccepted = removeString(s.UpsellsAccepted, productCode)
	if !containsString(s.UpsellsDeclined, productCode) {
		s.UpsellsDeclined = append(s.UpsellsDeclined, productCode)
	}
}

// AppendUpsell adds a charged upsell. Steps must be unique and strictly increasing.
func (s *FunnelSession) AppendUpsell(rec UpsellRecord) error {
	if rec.Step < 1 {
		return fmt.Errorf("%w: step %d", ErrStepOutOfOrder, rec.Step)
	}
	for _, existing := range s.Upsells {
		if existing.Step == rec.Step {
			return fmt.Errorf("%w: step %d", ErrDuplicateStep, rec.Step)
		}
		if existing.Step > rec.Step {
			return fmt.Errorf("%w: step %d after %d", ErrStepOutOfOrder, rec.Step, existing.Step)
		}
	}
	s.Upsells = append(s.Upsells, rec)
	return nil
}

// FindUpsell returns the recorded upsell for step
func (s *FunnelSession) FindUpsell(step int) (UpsellRecord, bool) {
	for _, rec := range s.Upsells {
		if rec.Step == step {
			return rec, true
		}
	}
	return UpsellRecord{}, false
}

// SetVault records a vault reference obtained from an approved gateway call
func (s *FunnelSession) SetVault(vaultID string, at time.Time) {
	s.VaultID = vaultID
	t := at
	s.LastVaultUpdate = &t
}

// Touch bumps the version and update time after a mutation
func (s *FunnelSession) Touch(now time.Time) {
	s.Version++
	s.UpdatedAt = now
}

// Clone returns a deep copy of the session
func (s *FunnelSession) Clone() *FunnelSession {
	if s == nil {
		return nil
	}
	c := *s
	c.LineItems = append([]LineItem(nil), s.LineItems...)
	c.UpsellsAccepted = append([]string{}, s.UpsellsAccepted...)
	c.UpsellsDeclined = append([]string{}, s.UpsellsDeclined...)
	c.Upsells = append([]UpsellRecord{}, s.Upsells...)
	c.Metadata = copyStringMap(s.Metadata)
	if s.Shipping != nil {
		addr := *s.Shipping
		c.Shipping = &addr
	}
	if s.PendingCharge != nil {
		pc := *s.PendingCharge
		pc.LineItems = append([]LineItem(nil), s.PendingCharge.LineItems...)
		c.PendingCharge = &pc
	}
	if s.LastVaultUpdate != nil {
		t := *s.LastVaultUpdate
		c.LastVaultUpdate = &t
	}
	return &c
}

// SessionPatch is a partial update; nil fields are left untouched
type SessionPatch struct {
	Status        *SessionStatus
	CurrentStep   *FunnelStep
	VaultID       *string
	TransactionID *string
	OrderID       *string
	Email         *string
	Customer      *CustomerInfo
	Metadata      map[string]string
}

// Apply merges the patch into s
func (p SessionPatch) Apply(s *FunnelSession) error {
	if p.Status != nil {
		if err := s.TransitionTo(*p.Status); err != nil {
			return err
		}
	}
	if p.CurrentStep != nil {
		s.CurrentStep = *p.CurrentStep
	}
	if p.VaultID != nil {
		s.VaultID = *p.VaultID
	}
	if p.TransactionID != nil {
		s.TransactionID = *p.TransactionID
	}
	if p.OrderID != nil {
		s.OrderID = *p.OrderID
	}
	if p.Email != nil {
		s.Email = *p.Email
	}
	if p.Customer != nil {
		s.Customer = *p.Customer
	}
	if len(p.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			s.Metadata[k] = v
		}
	}
	return nil
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
