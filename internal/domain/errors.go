package domain

import (
	"errors"
	"fmt"

	pkgerrors "github.com/kevin07696/funnel-service/pkg/errors"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Validation Errors (VALIDATION_*)
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Payment Gateway Errors (GATEWAY_*)
	ErrorCodeGatewayDeclined    ErrorCode = "GATEWAY_DECLINED"
	ErrorCodeGatewayDuplicate   ErrorCode = "GATEWAY_DUPLICATE"
	ErrorCodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"

	// Vault Errors (VAULT_*)
	ErrorCodeVaultError        ErrorCode = "VAULT_ERROR"
	ErrorCodeRecoveryExhausted ErrorCode = "VAULT_RECOVERY_EXHAUSTED"

	// Session Errors (SESSION_*)
	ErrorCodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrorCodeSessionExpired      ErrorCode = "SESSION_EXPIRED"
	ErrorCodeSessionInvalidState ErrorCode = "SESSION_INVALID_STATE"

	// Webhook Errors (WEBHOOK_*)
	ErrorCodeSignatureInvalid ErrorCode = "WEBHOOK_SIGNATURE_INVALID"

	// Internal Errors (INTERNAL_*)
	ErrorCodeConfiguration ErrorCode = "INTERNAL_CONFIGURATION_ERROR"
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string

	// Fields carries per-field messages for validation failures
	Fields map[string]string

	// Category and UserMessage are set for gateway declines
	Category    pkgerrors.ErrorCategory
	UserMessage string

	// GatewayText is the raw gateway response text; never shown to customers
	GatewayText string

	// Unconfirmed marks a gateway call whose outcome is unknown (timeout after send)
	Unconfirmed bool
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on error code so sentinel DomainErrors work with errors.Is
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == e.Message
	}
	return false
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// NewValidationError builds a VALIDATION_FAILED error from field messages
func NewValidationError(fields map[string]string) *DomainError {
	e := NewDomainError(ErrorCodeValidationFailed, "validation failed")
	e.Fields = fields
	return e
}

// NewDeclinedError builds a GATEWAY_DECLINED error for the given decline category
func NewDeclinedError(category pkgerrors.ErrorCategory, gatewayText string) *DomainError {
	e := NewDomainError(ErrorCodeGatewayDeclined, "payment declined")
	e.Category = category
	e.UserMessage = pkgerrors.UserInstruction(category)
	e.GatewayText = gatewayText
	return e
}

// NewVaultError builds a VAULT_ERROR; the client should collect a new card
func NewVaultError(gatewayText string) *DomainError {
	e := NewDomainError(ErrorCodeVaultError, "stored payment method was rejected")
	e.UserMessage = "Please re-enter your card details to complete this purchase."
	e.GatewayText = gatewayText
	return e
}

// NewDuplicateError builds a GATEWAY_DUPLICATE error. priorTransactionID is
// empty when the gateway did not say which transaction it matched.
func NewDuplicateError(priorTransactionID, gatewayText string) *DomainError {
	e := NewDomainError(ErrorCodeGatewayDuplicate, "duplicate transaction")
	e.GatewayText = gatewayText
	if priorTransactionID != "" {
		e.Details["prior_transaction_id"] = priorTransactionID
	}
	return e
}

// PriorTransactionID returns the matched transaction id of a duplicate error
func PriorTransactionID(err error) string {
	de, ok := AsDomainError(err)
	if !ok || de.Code != ErrorCodeGatewayDuplicate {
		return ""
	}
	id, _ := de.Details["prior_transaction_id"].(string)
	return id
}

// NewUnavailableError builds a GATEWAY_UNAVAILABLE error
func NewUnavailableError(unconfirmed bool, err error) *DomainError {
	e := WrapError(ErrorCodeGatewayUnavailable, "payment gateway unavailable", err)
	e.Unconfirmed = unconfirmed
	e.UserMessage = "We could not reach the payment processor. Please try again shortly."
	return e
}

// NewConfigurationError reports missing or invalid service configuration
func NewConfigurationError(message string) *DomainError {
	return NewDomainError(ErrorCodeConfiguration, message)
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// AsDomainError returns the DomainError in err's chain, if any
func AsDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeSessionNotFound || code == ErrorCodeSessionExpired
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorCode(err) == ErrorCodeValidationFailed
}

// IsGatewayError checks if an error is a payment gateway error
func IsGatewayError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeGatewayDeclined ||
		code == ErrorCodeGatewayDuplicate ||
		code == ErrorCodeGatewayUnavailable
}

// IsVaultError checks if an error requires the customer to re-enter card details
func IsVaultError(err error) bool {
	return GetErrorCode(err) == ErrorCodeVaultError
}

var (
	ErrSessionNotFound     = NewDomainError(ErrorCodeSessionNotFound, "session not found")
	ErrSessionExpired      = NewDomainError(ErrorCodeSessionExpired, "session expired")
	ErrSessionExists       = NewDomainError(ErrorCodeSessionInvalidState, "session already exists")
	ErrSessionInvalidState = NewDomainError(ErrorCodeSessionInvalidState, "session is in invalid state for this operation")
	ErrNoVaultReference    = NewDomainError(ErrorCodeSessionInvalidState, "session has no stored payment method")
	ErrNoPendingCharge     = NewDomainError(ErrorCodeSessionInvalidState, "session has no pending charge")
	ErrRecoveryExhausted   = NewDomainError(ErrorCodeRecoveryExhausted, "card update already attempted for this charge")
	ErrSignatureInvalid    = NewDomainError(ErrorCodeSignatureInvalid, "webhook signature verification failed")
	ErrInternalError       = NewDomainError(ErrorCodeInternalError, "internal server error")
)

var (
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrDuplicateStep     = errors.New("upsell step already recorded")
	ErrStepOutOfOrder    = errors.New("upsell step must be greater than previous steps")
	ErrInvalidAmount     = errors.New("amount must be positive")
)
