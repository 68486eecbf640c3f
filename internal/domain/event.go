package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an internal funnel event
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventVaultUpdated     EventType = "vault.updated"
	EventOrderCreated     EventType = "order.created"
	EventOrderUpdated     EventType = "order.updated"
	EventUpsellAccepted   EventType = "upsell.accepted"
	EventUpsellDeclined   EventType = "upsell.declined"
)

// Event is published on the internal bus and to downstream subscribers
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Provider      string            `json:"provider,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	VaultID       string            `json:"vault_id,omitempty"`
	Step          int               `json:"step,omitempty"`
	ProductCode   string            `json:"product_code,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        string            `json:"status,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
