package catalog

import (
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Totals is the priced breakdown of an order, each part rounded to cents
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Price computes totals for line items shipped to state.
// subtotal = sum(price*qty); tax = subtotal*rate(state); total = subtotal+tax+shipping.
func (c *Catalog) Price(items []domain.LineItem, state string) Totals {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Total())
	}
	subtotal = subtotal.Round(2)

	tax := subtotal.Mul(c.TaxRate(state)).Round(2)
	shipping := c.ShippingFor(subtotal).Round(2)

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}
}
