package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
)

// Known webhook providers
const (
	ProviderNMI     = "nmi"
	ProviderCRM     = "crm"
	ProviderStripe  = "stripe"
	ProviderGeneric = "generic"
)

// errUnroutedType marks a delivery whose event type no translator handles
var errUnroutedType = errors.New("unrouted webhook event type")

// Provider verifies and translates one external system's deliveries
type Provider interface {
	Name() string
	Verify(secret string, d Delivery) error
	// Translate returns errUnroutedType for event types the service ignores
	Translate(d Delivery) (*domain.Event, error)
}

// fieldProvider translates flat or nested key/value deliveries using a
// table of candidate keys per internal field
type fieldProvider struct {
	name     string
	typeKeys []string
	idKeys   []string
	types    map[string]domain.EventType

	sessionID     []string
	step          []string
	transactionID []string
	orderID       []string
	vaultID       []string
	amount        []string
	productCode   []string
	status        []string
}

func (p *fieldProvider) Name() string { return p.name }

func (p *fieldProvider) Verify(secret string, d Delivery) error {
	return verifyHMAC(p.name, secret, d.Headers, d.Body)
}

func (p *fieldProvider) Translate(d Delivery) (*domain.Event, error) {
	fields, err := decodePayload(d.ContentType, d.Body)
	if err != nil {
		return nil, err
	}

	externalType := fields.first(p.typeKeys...)
	eventType, ok := p.types[externalType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnroutedType, externalType)
	}

	event := &domain.Event{
		Type:          eventType,
		Provider:      p.name,
		SessionID:     fields.first(p.sessionID...),
		TransactionID: fields.first(p.transactionID...),
		OrderID:       fields.first(p.orderID...),
		VaultID:       fields.first(p.vaultID...),
		ProductCode:   fields.first(p.productCode...),
		Status:        fields.first(p.status...),
		Attributes: map[string]string{
			"external_type": externalType,
		},
	}
	if id := fields.first(p.idKeys...); id != "" {
		event.Attributes["external_id"] = id
	}

	if raw := fields.first(p.amount...); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		event.Amount = amount
	}
	event.Step = parseStep(fields.first(p.step...))

	return event, nil
}

// parseStep accepts "upsell-2" or a bare step number; anything else is 0
func parseStep(raw string) int {
	if n, ok := domain.FunnelStep(raw).UpsellNumber(); ok {
		return n
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return 0
}

// keys lists a nested key under each prefix followed by the flat alternatives
func keys(prefix, name string, flat ...string) []string {
	return append([]string{prefix + name}, flat...)
}

// NewNMIProvider reads NMI transaction webhooks. The session id and funnel
// step travel in merchant-defined fields 1 and 2.
func NewNMIProvider() Provider {
	const body = "event_body."
	return &fieldProvider{
		name:     ProviderNMI,
		typeKeys: []string{"event_type", "type"},
		idKeys:   []string{"event_id"},
		types: map[string]domain.EventType{
			"transaction.sale.success":    domain.EventPaymentSucceeded,
			"transaction.sale.failure":    domain.EventPaymentFailed,
			"transaction.capture.success": domain.EventPaymentSucceeded,
			"transaction.capture.failure": domain.EventPaymentFailed,
		},
		sessionID:     keys(body, "merchant_defined_fields.1", "merchant_defined_field_1"),
		step:          keys(body, "merchant_defined_fields.2", "merchant_defined_field_2"),
		transactionID: keys(body, "transaction_id", "transactionid"),
		orderID:       keys(body, "order_id", "orderid"),
		vaultID:       keys(body, "customer_vault_id", "customer_vault_id"),
		amount:        keys(body, "action.amount", "amount"),
		status:        keys(body, "condition", "response_text"),
	}
}

// NewCRMProvider reads CRM order and customer notifications
func NewCRMProvider() Provider {
	const data = "data."
	return &fieldProvider{
		name:     ProviderCRM,
		typeKeys: []string{"event", "type"},
		idKeys:   []string{"id", "event_id"},
		types: map[string]domain.EventType{
			"order.created":     domain.EventOrderCreated,
			"order.updated":     domain.EventOrderUpdated,
			"payment.succeeded": domain.EventPaymentSucceeded,
			"payment.failed":    domain.EventPaymentFailed,
			"card.updated":      domain.EventVaultUpdated,
			"customer.updated":  domain.EventVaultUpdated,
		},
		sessionID:     keys(data, "session_id", "session_id"),
		step:          keys(data, "step", "step"),
		transactionID: keys(data, "transaction_id", "transaction_id"),
		orderID:       keys(data, "order_id", "order_id"),
		vaultID:       keys(data, "vault_id", "vault_id"),
		amount:        keys(data, "amount", "amount"),
		productCode:   keys(data, "product_code", "product_code"),
		status:        keys(data, "status", "status"),
	}
}

// NewGenericProvider accepts deliveries already named with internal event types
func NewGenericProvider() Provider {
	p := NewCRMProvider().(*fieldProvider)
	p.name = ProviderGeneric
	p.typeKeys = []string{"type", "event"}
	p.types = map[string]domain.EventType{}
	for _, t := range []domain.EventType{
		domain.EventPaymentSucceeded,
		domain.EventPaymentFailed,
		domain.EventVaultUpdated,
		domain.EventOrderCreated,
		domain.EventOrderUpdated,
	} {
		p.types[string(t)] = t
	}
	return p
}

// stripeProvider reads Stripe events; the funnel session id is carried in
// object metadata
type stripeProvider struct {
	tolerance time.Duration
}

// NewStripeProvider verifies Stripe-Signature headers within tolerance
func NewStripeProvider(tolerance time.Duration) Provider {
	if tolerance <= 0 {
		tolerance = DefaultStripeTolerance
	}
	return &stripeProvider{tolerance: tolerance}
}

func (p *stripeProvider) Name() string { return ProviderStripe }

func (p *stripeProvider) Verify(secret string, d Delivery) error {
	return verifyStripe(secret, p.tolerance, d.Headers, d.Body)
}

func (p *stripeProvider) Translate(d Delivery) (*domain.Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(d.Body, &se); err != nil {
		return nil, fmt.Errorf("failed to decode stripe event: %w", err)
	}
	if se.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data", se.ID)
	}

	event := &domain.Event{
		Provider: ProviderStripe,
		Attributes: map[string]string{
			"external_type": string(se.Type),
			"external_id":   se.ID,
		},
	}

	switch se.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent: %w", err)
		}
		event.Type = domain.EventPaymentSucceeded
		if se.Type == "payment_intent.payment_failed" {
			event.Type = domain.EventPaymentFailed
		}
		event.TransactionID = pi.ID
		event.Amount = decimal.New(pi.Amount, -2)
		event.Status = string(pi.Status)
		applyMetadata(event, pi.Metadata)

	case "payment_method.attached":
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(se.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("failed to decode payment method: %w", err)
		}
		event.Type = domain.EventVaultUpdated
		event.VaultID = pm.ID
		applyMetadata(event, pm.Metadata)

	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		event.Type = domain.EventOrderCreated
		event.Amount = decimal.New(cs.AmountTotal, -2)
		event.Status = string(cs.Status)
		applyMetadata(event, cs.Metadata)

	default:
		return nil, fmt.Errorf("%w: %q", errUnroutedType, se.Type)
	}

	return event, nil
}

func applyMetadata(event *domain.Event, md map[string]string) {
	event.SessionID = md["session_id"]
	event.Step = parseStep(md["step"])
	event.ProductCode = md["product_code"]
	if v := md["order_id"]; v != "" {
		event.OrderID = v
	}
}
