package nmi

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
)

const maxMerchantDefinedField = 20

// buildSaleForm constructs the Direct Post body for a sale
func (c *Client) buildSaleForm(req *domain.ChargeRequest) url.Values {
	data := url.Values{}
	data.Set("security_key", c.config.SecurityKey)
	data.Set("type", "sale")
	data.Set("amount", req.Amount.StringFixed(2))

	if req.PaymentToken != "" {
		data.Set("payment_token", req.PaymentToken)
	} else {
		data.Set("customer_vault_id", req.VaultID)
	}

	if req.VaultDirective != domain.VaultNone {
		data.Set("customer_vault", string(req.VaultDirective))
		if req.VaultDirective == domain.VaultUpdate && req.VaultID != "" {
			data.Set("customer_vault_id", req.VaultID)
		}
	}

	if req.TaxAmount.IsPositive() {
		data.Set("tax", req.TaxAmount.StringFixed(2))
	}
	if req.ShippingAmount.IsPositive() {
		data.Set("shipping", req.ShippingAmount.StringFixed(2))
	}

	setCustomer(data, req.Customer)
	if req.Shipping != nil {
		setShipping(data, req.Shipping)
	}

	setIfNotEmpty(data, "orderid", req.OrderID)
	setIfNotEmpty(data, "order_description", req.OrderDescription)
	setIfNotEmpty(data, "ipaddress", req.IPAddress)

	keys := make([]int, 0, len(req.MerchantFields))
	for n := range req.MerchantFields {
		if n >= 1 && n <= maxMerchantDefinedField {
			keys = append(keys, n)
		}
	}
	sort.Ints(keys)
	for _, n := range keys {
		setIfNotEmpty(data, "merchant_defined_field_"+strconv.Itoa(n), req.MerchantFields[n])
	}

	if c.config.SendLineItems {
		setLineItems(data, req.LineItems)
	}
	return data
}

// buildVaultUpdateForm replaces the card stored under a vault id
func (c *Client) buildVaultUpdateForm(req *domain.VaultUpdateRequest) url.Values {
	data := url.Values{}
	data.Set("security_key", c.config.SecurityKey)
	data.Set("customer_vault", string(domain.VaultUpdate))
	data.Set("customer_vault_id", req.VaultID)
	data.Set("payment_token", req.PaymentToken)
	setCustomer(data, req.Customer)
	return data
}

func setCustomer(data url.Values, customer domain.CustomerInfo) {
	setIfNotEmpty(data, "first_name", customer.FirstName)
	setIfNotEmpty(data, "last_name", customer.LastName)
	setIfNotEmpty(data, "email", customer.Email)
	setIfNotEmpty(data, "phone", customer.Phone)

	billing := customer.Billing
	setIfNotEmpty(data, "address1", billing.Address1)
	setIfNotEmpty(data, "address2", billing.Address2)
	setIfNotEmpty(data, "city", billing.City)
	setIfNotEmpty(data, "state", billing.State)
	setIfNotEmpty(data, "zip", billing.Zip)
	setIfNotEmpty(data, "country", billing.Country)
}

func setShipping(data url.Values, addr *domain.Address) {
	setIfNotEmpty(data, "shipping_firstname", addr.FirstName)
	setIfNotEmpty(data, "shipping_lastname", addr.LastName)
	setIfNotEmpty(data, "shipping_address1", addr.Address1)
	setIfNotEmpty(data, "shipping_address2", addr.Address2)
	setIfNotEmpty(data, "shipping_city", addr.City)
	setIfNotEmpty(data, "shipping_state", addr.State)
	setIfNotEmpty(data, "shipping_zip", addr.Zip)
	setIfNotEmpty(data, "shipping_country", addr.Country)
}

// setLineItems writes the 1-based item_*_N series
func setLineItems(data url.Values, items []domain.LineItem) {
	for i, item := range items {
		n := strconv.Itoa(i + 1)
		data.Set("item_product_code_"+n, item.ProductCode)
		setIfNotEmpty(data, "item_description_"+n, item.Name)
		data.Set("item_quantity_"+n, strconv.Itoa(item.Quantity))
		data.Set("item_unit_cost_"+n, item.Price.StringFixed(2))
		data.Set("item_total_amount_"+n, item.Total().StringFixed(2))
		data.Set("item_tax_amount_"+n, decimal.Zero.StringFixed(2))
	}
}

func setIfNotEmpty(data url.Values, key, value string) {
	if value != "" {
		data.Set(key, value)
	}
}
