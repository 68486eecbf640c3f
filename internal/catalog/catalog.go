// Package catalog holds the products, upsell offers, tax table and shipping
// policy the funnel prices against.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// BonusItem ships free with a main product
type BonusItem struct {
	Code     string
	Name     string
	Quantity int
}

// Product is a sellable main product
type Product struct {
	Code       string
	Name       string
	Price      decimal.Decimal
	BonusItems []BonusItem
}

// Offer is the upsell presented at one funnel step
type Offer struct {
	Step        int
	ProductCode string
	Name        string
	Price       decimal.Decimal
}

// LineItem returns the single-unit line item charged when the offer is accepted
func (o Offer) LineItem() domain.LineItem {
	return domain.LineItem{ProductCode: o.ProductCode, Name: o.Name, Price: o.Price, Quantity: 1}
}

// ShippingPolicy is a flat rate waived at or above FreeOver. A zero FreeOver never waives.
type ShippingPolicy struct {
	FlatRate decimal.Decimal
	FreeOver decimal.Decimal
}

// Catalog is immutable after construction
type Catalog struct {
	products map[string]Product
	offers   []Offer
	taxRates map[string]decimal.Decimal
	shipping ShippingPolicy
}

// New builds a catalog; offers must have unique steps starting at 1 without gaps
func New(products []Product, offers []Offer, taxRates map[string]decimal.Decimal, shipping ShippingPolicy) (*Catalog, error) {
	c := &Catalog{
		products: make(map[string]Product, len(products)),
		taxRates: make(map[string]decimal.Decimal, len(taxRates)),
		shipping: shipping,
	}
	for _, p := range products {
		if p.Code == "" {
			return nil, fmt.Errorf("product code is required")
		}
		if p.Price.IsNegative() {
			return nil, fmt.Errorf("product %q: price must not be negative", p.Code)
		}
		c.products[p.Code] = p
	}

	c.offers = append([]Offer(nil), offers...)
	sort.Slice(c.offers, func(i, j int) bool { return c.offers[i].Step < c.offers[j].Step })
	for i, o := range c.offers {
		if o.Step != i+1 {
			return nil, fmt.Errorf("offer steps must be 1..n without gaps, got step %d at position %d", o.Step, i+1)
		}
		if o.ProductCode == "" || !o.Price.IsPositive() {
			return nil, fmt.Errorf("offer at step %d needs a product code and a positive price", o.Step)
		}
	}

	for state, rate := range taxRates {
		if rate.IsNegative() {
			return nil, fmt.Errorf("tax rate for %s must not be negative", state)
		}
		c.taxRates[strings.ToUpper(state)] = rate
	}
	return c, nil
}

// Product looks up a main product by code
func (c *Catalog) Product(code string) (Product, bool) {
	p, ok := c.products[code]
	return p, ok
}

// BonusItems returns the free items bundled with a product
func (c *Catalog) BonusItems(code string) []BonusItem {
	return c.products[code].BonusItems
}

// Offer returns the upsell offered at step (1-based)
func (c *Catalog) Offer(step int) (Offer, bool) {
	if step < 1 || step > len(c.offers) {
		return Offer{}, false
	}
	return c.offers[step-1], true
}

// OfferByCode finds an offer by its product code
func (c *Catalog) OfferByCode(code string) (Offer, bool) {
	for _, o := range c.offers {
		if o.ProductCode == code {
			return o, true
		}
	}
	return Offer{}, false
}

// OfferCount is the number of upsell steps
func (c *Catalog) OfferCount() int {
	return len(c.offers)
}

// FirstStepAfterCheckout is upsell-1, or success when there are no offers
func (c *Catalog) FirstStepAfterCheckout() domain.FunnelStep {
	return c.NextStepAfterUpsell(0)
}

// NextStepAfterUpsell yields upsell-(n+1) while offers remain, otherwise success
func (c *Catalog) NextStepAfterUpsell(n int) domain.FunnelStep {
	if n+1 <= len(c.offers) {
		return domain.UpsellStep(n + 1)
	}
	return domain.StepSuccess
}

// TaxRate returns the rate for a two-letter state code; unknown states are untaxed
func (c *Catalog) TaxRate(state string) decimal.Decimal {
	if rate, ok := c.taxRates[strings.ToUpper(strings.TrimSpace(state))]; ok {
		return rate
	}
	return decimal.Zero
}

// ShippingFor returns the shipping charge for a subtotal
func (c *Catalog) ShippingFor(subtotal decimal.Decimal) decimal.Decimal {
	if c.shipping.FreeOver.IsPositive() && subtotal.GreaterThanOrEqual(c.shipping.FreeOver) {
		return decimal.Zero
	}
	return c.shipping.FlatRate
}

type fileBonus struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Quantity int    `yaml:"quantity"`
}

type fileProduct struct {
	Code  string      `yaml:"code"`
	Name  string      `yaml:"name"`
	Price string      `yaml:"price"`
	Bonus []fileBonus `yaml:"bonus_items"`
}

type fileOffer struct {
	Step        int    `yaml:"step"`
	ProductCode string `yaml:"product_code"`
	Name        string `yaml:"name"`
	Price       string `yaml:"price"`
}

type fileCatalog struct {
	Products []fileProduct     `yaml:"products"`
	Offers   []fileOffer       `yaml:"offers"`
	TaxRates map[string]string `yaml:"tax_rates"`
	Shipping struct {
		FlatRate string `yaml:"flat_rate"`
		FreeOver string `yaml:"free_over"`
	} `yaml:"shipping"`
}

// Load reads a catalog YAML file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML. Money values are strings so they stay exact.
func Parse(data []byte) (*Catalog, error) {
	var f fileCatalog
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	products := make([]Product, 0, len(f.Products))
	for _, fp := range f.Products {
		price, err := parseMoney(fp.Price)
		if err != nil {
			return nil, fmt.Errorf("product %q: %w", fp.Code, err)
		}
		p := Product{Code: fp.Code, Name: fp.Name, Price: price}
		for _, b := range fp.Bonus {
			qty := b.Quantity
			if qty == 0 {
				qty = 1
			}
			p.BonusItems = append(p.BonusItems, BonusItem{Code: b.Code, Name: b.Name, Quantity: qty})
		}
		products = append(products, p)
	}

	offers := make([]Offer, 0, len(f.Offers))
	for _, fo := range f.Offers {
		price, err := parseMoney(fo.Price)
		if err != nil {
			return nil, fmt.Errorf("offer step %d: %w", fo.Step, err)
		}
		offers = append(offers, Offer{Step: fo.Step, ProductCode: fo.ProductCode, Name: fo.Name, Price: price})
	}

	rates := make(map[string]decimal.Decimal, len(f.TaxRates))
	for state, raw := range f.TaxRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("tax rate for %s: %w", state, err)
		}
		rates[state] = rate
	}

	flat, err := parseMoney(f.Shipping.FlatRate)
	if err != nil {
		return nil, fmt.Errorf("shipping flat_rate: %w", err)
	}
	freeOver, err := parseMoney(f.Shipping.FreeOver)
	if err != nil {
		return nil, fmt.Errorf("shipping free_over: %w", err)
	}

	return New(products, offers, rates, ShippingPolicy{FlatRate: flat, FreeOver: freeOver})
}

func parseMoney(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return d, nil
}
