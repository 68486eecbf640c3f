package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VaultDirective tells the gateway what to do with the customer vault on a charge
type VaultDirective string

const (
	VaultNone   VaultDirective = ""
	VaultAdd    VaultDirective = "add_customer"
	VaultUpdate VaultDirective = "update_customer"
)

// ChargeRequest is a single sale against the gateway.
// Exactly one of PaymentToken or VaultID must be set.
type ChargeRequest struct {
	Amount           decimal.Decimal
	TaxAmount        decimal.Decimal
	ShippingAmount   decimal.Decimal
	PaymentToken     string
	VaultID          string
	VaultDirective   VaultDirective
	Customer         CustomerInfo
	Shipping         *Address
	OrderID          string
	OrderDescription string
	IPAddress        string
	LineItems        []LineItem
	MerchantFields   map[int]string
}

// Validate checks the invariants the gateway relies on
func (r *ChargeRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	hasToken := r.PaymentToken != ""
	hasVault := r.VaultID != ""
	if hasToken == hasVault {
		return fmt.Errorf("exactly one of payment token or vault id is required")
	}
	if r.VaultDirective == VaultAdd && !hasToken {
		return fmt.Errorf("add_customer requires a payment token")
	}
	return nil
}

// VaultUpdateRequest replaces the card stored under a vault id
type VaultUpdateRequest struct {
	VaultID      string
	PaymentToken string
	Customer     CustomerInfo
}

// Validate checks required fields
func (r *VaultUpdateRequest) Validate() error {
	if r.VaultID == "" {
		return fmt.Errorf("vault id is required")
	}
	if r.PaymentToken == "" {
		return fmt.Errorf("payment token is required")
	}
	return nil
}

// GatewayResult is the decoded gateway response
type GatewayResult struct {
	Approved      bool              `json:"approved"`
	TransactionID string            `json:"transaction_id"`
	AuthCode      string            `json:"auth_code,omitempty"`
	VaultID       string            `json:"vault_id,omitempty"`
	AVSResponse   string            `json:"avs_response,omitempty"`
	CVVResponse   string            `json:"cvv_response,omitempty"`
	Response      string            `json:"response"`
	ResponseCode  string            `json:"response_code"`
	ResponseText  string            `json:"response_text"`
	OrderID       string            `json:"order_id,omitempty"`
	Unrecognized  map[string]string `json:"unrecognized,omitempty"`
	Raw           string            `json:"-"`
}

// DefaultSource is sent as the traffic source when a session names none
const DefaultSource = "funnel"

// MetadataSource is the session metadata key holding the traffic source
const MetadataSource = "source"

// Merchant-defined field slots sent with every funnel charge
const (
	MerchantFieldSessionID = 1
	MerchantFieldStep      = 2
	MerchantFieldSource    = 3
)

// MerchantFields builds the merchant-defined fields sent with a funnel charge
func MerchantFields(sessionID string, step FunnelStep, source string) map[int]string {
	if source == "" {
		source = DefaultSource
	}
	return map[int]string{
		MerchantFieldSessionID: sessionID,
		MerchantFieldStep:      string(step),
		MerchantFieldSource:    source,
	}
}
