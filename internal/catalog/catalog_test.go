package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPrice(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name     string
		items    []domain.LineItem
		state    string
		subtotal string
		tax      string
		shipping string
		total    string
	}{
		{
			name:     "california single item over free shipping threshold",
			items:    []domain.LineItem{{ProductCode: "X", Price: d("100"), Quantity: 1}},
			state:    "CA",
			subtotal: "100", tax: "8.75", shipping: "0", total: "108.75",
		},
		{
			name:     "flat shipping under threshold",
			items:    []domain.LineItem{{ProductCode: "X", Price: d("37.00"), Quantity: 1}},
			state:    "ca",
			subtotal: "37", tax: "3.24", shipping: "7.95", total: "48.19",
		},
		{
			name:     "unknown state is untaxed",
			items:    []domain.LineItem{{ProductCode: "X", Price: d("50"), Quantity: 2}},
			state:    "ZZ",
			subtotal: "100", tax: "0", shipping: "0", total: "100",
		},
		{
			name: "multiple lines rounded to cents",
			items: []domain.LineItem{
				{ProductCode: "A", Price: d("19.99"), Quantity: 3},
				{ProductCode: "B", Price: d("0.333"), Quantity: 3},
			},
			state:    "NY",
			subtotal: "60.97", tax: "5.41", shipping: "7.95", total: "74.33",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Price(tt.items, tt.state)
			assert.True(t, d(tt.subtotal).Equal(got.Subtotal), "subtotal %s", got.Subtotal)
			assert.True(t, d(tt.tax).Equal(got.Tax), "tax %s", got.Tax)
			assert.True(t, d(tt.shipping).Equal(got.Shipping), "shipping %s", got.Shipping)
			assert.True(t, d(tt.total).Equal(got.Total), "total %s", got.Total)
		})
	}
}

func TestSteps(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, 2, c.OfferCount())
	assert.Equal(t, domain.UpsellStep(1), c.FirstStepAfterCheckout())
	assert.Equal(t, domain.UpsellStep(2), c.NextStepAfterUpsell(1))
	assert.Equal(t, domain.StepSuccess, c.NextStepAfterUpsell(2))

	offer, ok := c.Offer(1)
	require.True(t, ok)
	assert.Equal(t, "AUDIO-UPGRADE", offer.ProductCode)
	assert.Equal(t, 1, offer.LineItem().Quantity)

	_, ok = c.Offer(3)
	assert.False(t, ok)

	byCode, ok := c.OfferByCode("COACHING-CALL")
	require.True(t, ok)
	assert.Equal(t, 2, byCode.Step)

	empty, err := New(nil, nil, nil, ShippingPolicy{})
	require.NoError(t, err)
	assert.Equal(t, domain.StepSuccess, empty.FirstStepAfterCheckout())
}

func TestBonusItems(t *testing.T) {
	c := DefaultCatalog()
	assert.Len(t, c.BonusItems("BOOK-CORE"), 2)
	assert.Empty(t, c.BonusItems("BOOK-WORKBOOK"))
	assert.Empty(t, c.BonusItems("missing"))
}

func TestNew_RejectsGappedOffers(t *testing.T) {
	_, err := New(nil, []Offer{
		{Step: 1, ProductCode: "A", Price: d("1")},
		{Step: 3, ProductCode: "B", Price: d("1")},
	}, nil, ShippingPolicy{})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	yamlDoc := `
products:
  - code: MAIN
    name: Main Product
    price: "50.00"
    bonus_items:
      - code: GIFT
        name: Free Gift
offers:
  - step: 2
    product_code: UP2
    name: Second Upsell
    price: "15.00"
  - step: 1
    product_code: UP1
    name: First Upsell
    price: "30.00"
tax_rates:
  ca: "0.0875"
shipping:
  flat_rate: "5.00"
  free_over: "0"
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	p, ok := c.Product("MAIN")
	require.True(t, ok)
	assert.True(t, d("50").Equal(p.Price))
	require.Len(t, p.BonusItems, 1)
	assert.Equal(t, 1, p.BonusItems[0].Quantity)

	first, ok := c.Offer(1)
	require.True(t, ok)
	assert.Equal(t, "UP1", first.ProductCode)

	assert.True(t, d("0.0875").Equal(c.TaxRate("CA")))
	assert.True(t, d("5").Equal(c.ShippingFor(d("1000"))), "zero free_over never waives")
}

func TestParse_InvalidMoney(t *testing.T) {
	_, err := Parse([]byte("products:\n  - code: X\n    price: abc\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
