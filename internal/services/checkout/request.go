package checkout

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Address is a postal address as submitted by the checkout form
type Address struct {
	FirstName string `json:"first_name" validate:"omitempty,max=60"`
	LastName  string `json:"last_name" validate:"omitempty,max=60"`
	Address1  string `json:"address1" validate:"required,max=120"`
	Address2  string `json:"address2" validate:"omitempty,max=120"`
	City      string `json:"city" validate:"required,max=60"`
	State     string `json:"state" validate:"required,state_code"`
	Zip       string `json:"zip" validate:"required,min=3,max=10"`
	Country   string `json:"country" validate:"omitempty,iso3166_1_alpha2"`
}

// Customer is the buyer's contact and billing details
type Customer struct {
	FirstName string  `json:"first_name" validate:"required,max=60"`
	LastName  string  `json:"last_name" validate:"required,max=60"`
	Email     string  `json:"email" validate:"required,email"`
	Phone     string  `json:"phone" validate:"omitempty,max=30"`
	Billing   Address `json:"billing" validate:"required"`
}

// LineItem is one product in the cart. Price is a decimal string.
type LineItem struct {
	ProductCode string          `json:"product_code" validate:"required,max=64"`
	Name        string          `json:"name" validate:"omitempty,max=120"`
	Price       decimal.Decimal `json:"price" validate:"gt=0"`
	Quantity    int             `json:"quantity" validate:"gt=0,lte=100"`
}

// Request is a checkout submission
type Request struct {
	Customer     Customer          `json:"customer" validate:"required"`
	Shipping     *Address          `json:"shipping" validate:"omitempty"`
	LineItems    []LineItem        `json:"line_items" validate:"required,min=1,max=50,dive"`
	PaymentToken string            `json:"payment_token" validate:"required"`
	OrderID      string            `json:"order_id" validate:"omitempty,max=64"`
	Source       string            `json:"source" validate:"omitempty,max=64"`
	Metadata     map[string]string `json:"metadata" validate:"omitempty,max=20"`
	IPAddress    string            `json:"-"`
}

var stateCodePattern = regexp.MustCompile(`^[A-Za-z]{2}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report json names so field errors match the request body
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// compare decimals as floats; validation only needs the sign and range
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("state_code", func(fl validator.FieldLevel) bool {
		return stateCodePattern.MatchString(fl.Field().String())
	})
	return v
}

// validate checks the request and returns a VALIDATION_FAILED error with one
// message per offending field
func validate(v *validator.Validate, req *Request) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewValidationError(map[string]string{"request": err.Error()})
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fieldMessage(fe)
	}
	return domain.NewValidationError(fields)
}

// fieldPath drops the root struct name: "Request.customer.email" -> "customer.email"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "state_code":
		return "must be a two-letter state code"
	case "iso3166_1_alpha2":
		return "must be a two-letter country code"
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries or characters"
	case "max":
		return "must have at most " + fe.Param() + " entries or characters"
	default:
		return "is invalid"
	}
}

func (a Address) toDomain() domain.Address {
	return domain.Address{
		FirstName: strings.TrimSpace(a.FirstName),
		LastName:  strings.TrimSpace(a.LastName),
		Address1:  strings.TrimSpace(a.Address1),
		Address2:  strings.TrimSpace(a.Address2),
		City:      strings.TrimSpace(a.City),
		State:     strings.ToUpper(strings.TrimSpace(a.State)),
		Zip:       strings.TrimSpace(a.Zip),
		Country:   strings.ToUpper(strings.TrimSpace(a.Country)),
	}
}

func (c Customer) toDomain() domain.CustomerInfo {
	return domain.CustomerInfo{
		FirstName: strings.TrimSpace(c.FirstName),
		LastName:  strings.TrimSpace(c.LastName),
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:     strings.TrimSpace(c.Phone),
		Billing:   c.Billing.toDomain(),
	}
}

// shipping returns the ship-to address, or nil when billing is used
func (r *Request) shipping() *domain.Address {
	if r.Shipping == nil {
		return nil
	}
	addr := r.Shipping.toDomain()
	return &addr
}

// taxState is the ship-to state when a shipping address was given
func (r *Request) taxState() string {
	if r.Shipping != nil {
		return r.Shipping.State
	}
	return r.Customer.Billing.State
}
