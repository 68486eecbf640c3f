package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MainOrder is the persisted record of an approved checkout
type MainOrder struct {
	SessionID      string          `json:"session_id"`
	OrderID        string          `json:"order_id"`
	Customer       CustomerInfo    `json:"customer"`
	Shipping       *Address        `json:"shipping,omitempty"`
	LineItems      []LineItem      `json:"line_items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	Total          decimal.Decimal `json:"total"`
	TransactionID  string          `json:"transaction_id"`
	VaultID        string          `json:"vault_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UpsellOrder is the persisted record of one charged upsell, linked to the main order by session
type UpsellOrder struct {
	SessionID     string          `json:"session_id"`
	OrderID       string          `json:"order_id"`
	Step          int             `json:"step"`
	ProductCode   string          `json:"product_code"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LineKind tells where a summary line came from
type LineKind string

const (
	LineKindMain   LineKind = "main"
	LineKindBonus  LineKind = "bonus"
	LineKindUpsell LineKind = "upsell"
)

// SummarySource records whether a summary was built from the live session
type SummarySource string

const (
	SummarySourceSession  SummarySource = "session"
	SummarySourceFallback SummarySource = "fallback"
)

// SummaryLine is one row of the order confirmation
type SummaryLine struct {
	ProductCode   string          `json:"product_code"`
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          LineKind        `json:"kind"`
	Step          int             `json:"step,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// OrderSummary is the merged view of the main order and all upsells
type OrderSummary struct {
	SessionID string          `json:"session_id"`
	OrderID   string          `json:"order_id,omitempty"`
	Customer  CustomerInfo    `json:"customer"`
	ShipTo    *Address        `json:"ship_to,omitempty"`
	Lines     []SummaryLine   `json:"lines"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	ShipCost  decimal.Decimal `json:"shipping"`
	Total     decimal.Decimal `json:"total"`
	Source    SummarySource   `json:"source"`
}
