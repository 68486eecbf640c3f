// Package fixtures builds funnel test data
package fixtures

import (
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Customer returns a customer billed in the given state
func Customer(state string) domain.CustomerInfo {
	return domain.CustomerInfo{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "5551234567",
		Billing: domain.Address{
			Address1: "12 Analytical Way",
			City:     "Sacramento",
			State:    state,
			Zip:      "95814",
			Country:  "US",
		},
	}
}

// LineItem builds a line item from a decimal string price
func LineItem(code, price string, qty int) domain.LineItem {
	return domain.LineItem{
		ProductCode: code,
		Name:        code,
		Price:       decimal.RequireFromString(price),
		Quantity:    qty,
	}
}

// Approved is an approved sale result
func Approved(transactionID, vaultID string) *domain.GatewayResult {
	return &domain.GatewayResult{
		Approved:      true,
		TransactionID: transactionID,
		AuthCode:      "123456",
		VaultID:       vaultID,
		Response:      "1",
		ResponseCode:  "100",
		ResponseText:  "SUCCESS",
	}
}

// Declined is a declined sale result
func Declined(transactionID string) *domain.GatewayResult {
	return &domain.GatewayResult{
		TransactionID: transactionID,
		Response:      "2",
		ResponseCode:  "200",
		ResponseText:  "DECLINE",
	}
}
