package catalog

import "github.com/shopspring/decimal"

// DefaultCatalog is used when no catalog file is configured
func DefaultCatalog() *Catalog {
	c, err := New(
		[]Product{
			{
				Code:  "BOOK-CORE",
				Name:  "The Funnel Playbook",
				Price: decimal.RequireFromString("37.00"),
				BonusItems: []BonusItem{
					{Code: "BONUS-GUIDE", Name: "Quick Start Guide", Quantity: 1},
					{Code: "BONUS-CHECKLIST", Name: "Launch Checklist", Quantity: 1},
				},
			},
			{
				Code:  "BOOK-WORKBOOK",
				Name:  "Playbook Workbook",
				Price: decimal.RequireFromString("19.00"),
			},
		},
		[]Offer{
			{Step: 1, ProductCode: "AUDIO-UPGRADE", Name: "Audiobook Edition", Price: decimal.RequireFromString("27.00")},
			{Step: 2, ProductCode: "COACHING-CALL", Name: "1:1 Strategy Call", Price: decimal.RequireFromString("97.00")},
		},
		map[string]decimal.Decimal{
			"CA": decimal.RequireFromString("0.0875"),
			"NY": decimal.RequireFromString("0.08875"),
			"TX": decimal.RequireFromString("0.0825"),
			"WA": decimal.RequireFromString("0.065"),
		},
		ShippingPolicy{
			FlatRate: decimal.RequireFromString("7.95"),
			FreeOver: decimal.RequireFromString("75.00"),
		},
	)
	if err != nil {
		panic("default catalog is invalid: " + err.Error())
	}
	return c
}
