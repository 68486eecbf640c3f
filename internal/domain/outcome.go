package domain

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// ChargeOutcome is what the client needs after a successful funnel charge
type ChargeOutcome struct {
	SessionID     string          `json:"session_id"`
	TransactionID string          `json:"transaction_id"`
	NextStep      FunnelStep      `json:"next_step"`
	Amount        decimal.Decimal `json:"amount"`

	// Synthesized is set when the gateway reported a duplicate and the
	// prior transaction was taken as the approval
	Synthesized bool `json:"synthesized,omitempty"`

	// Replayed is set when the charge had already been recorded and no
	// gateway call was made
	Replayed bool `json:"replayed,omitempty"`
}

// Location returns the page path the client should navigate to for the step
func (f FunnelStep) Location() string {
	if n, ok := f.UpsellNumber(); ok {
		return "/upsell/" + strconv.Itoa(n)
	}
	switch f {
	case StepSuccess:
		return "/success"
	case StepProcessing:
		return "/processing"
	default:
		return "/checkout"
	}
}
