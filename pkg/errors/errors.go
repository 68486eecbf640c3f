package errors

// ErrorCategory represents the category of a gateway decline
type ErrorCategory string

const (
	CategoryApproved          ErrorCategory = "approved"
	CategoryDeclined          ErrorCategory = "declined"
	CategoryInsufficientFunds ErrorCategory = "insufficient_funds"
	CategoryExpiredCard       ErrorCategory = "expired_card"
	CategoryInvalidCVV        ErrorCategory = "invalid_cvv"
	CategoryInvalidAddress    ErrorCategory = "invalid_address"
	CategoryInvalidCard       ErrorCategory = "invalid_card"
	CategoryFraud             ErrorCategory = "fraud"
	CategorySystemError       ErrorCategory = "system_error"
	CategoryInvalidRequest    ErrorCategory = "invalid_request"
)

var userInstructions = map[ErrorCategory]string{
	CategoryInsufficientFunds: "Your card has insufficient funds. Please use a different card.",
	CategoryExpiredCard:       "Your card has expired. Please use a different card.",
	CategoryInvalidCVV:        "The security code (CVV) did not match. Please check the code on the back of your card.",
	CategoryInvalidAddress:    "The billing address did not match your card. Please check your address and ZIP code.",
	CategoryInvalidCard:       "The card number is invalid. Please check your card details.",
	CategoryFraud:             "Your bank declined this payment. Please contact your bank or use a different card.",
	CategorySystemError:       "The payment processor had a problem. Please try again in a few moments.",
	CategoryInvalidRequest:    "We could not process this payment. Please check your details and try again.",
	CategoryDeclined:          "Your payment was declined. Please try a different card or contact your bank.",
}

// UserInstruction returns the fixed customer-facing message for a decline category
func UserInstruction(category ErrorCategory) string {
	if msg, ok := userInstructions[category]; ok {
		return msg
	}
	return userInstructions[CategoryDeclined]
}
