// Package apierror maps domain errors to JSON HTTP responses
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kevin07696/funnel-service/internal/domain"
	"go.uber.org/zap"
)

// ActionUpdateCard tells the client to collect a new card
const ActionUpdateCard = "update_card"

// Body is the JSON error envelope
type Body struct {
	Error       string            `json:"error"`
	Message     string            `json:"message"`
	Fields      map[string]string `json:"fields,omitempty"`
	Category    string            `json:"category,omitempty"`
	Action      string            `json:"action,omitempty"`
	Retryable   bool              `json:"retryable,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	GatewayText string            `json:"gateway_text,omitempty"`
}

// Writer renders errors; ShowGatewayText exposes raw processor text for debugging
type Writer struct {
	ShowGatewayText bool
	Logger          *zap.Logger
}

// Status returns the HTTP status for err
func Status(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch domain.GetErrorCode(err) {
	case domain.ErrorCodeValidationFailed:
		return http.StatusBadRequest
	case domain.ErrorCodeGatewayDeclined, domain.ErrorCodeRecoveryExhausted:
		return http.StatusPaymentRequired
	case domain.ErrorCodeVaultError, domain.ErrorCodeSessionInvalidState, domain.ErrorCodeGatewayDuplicate:
		return http.StatusConflict
	case domain.ErrorCodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	case domain.ErrorCodeSignatureInvalid:
		return http.StatusUnauthorized
	case domain.ErrorCodeSessionNotFound, domain.ErrorCodeSessionExpired:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Build converts err into the response body
func (wr Writer) Build(err error) Body {
	de, ok := domain.AsDomainError(err)
	if !ok {
		return Body{Error: string(domain.ErrorCodeInternalError), Message: "internal server error"}
	}

	body := Body{Error: string(de.Code), Message: de.Message}
	if de.UserMessage != "" {
		body.Message = de.UserMessage
	}
	if sid, ok := de.Details["session_id"].(string); ok {
		body.SessionID = sid
	}

	switch de.Code {
	case domain.ErrorCodeValidationFailed:
		body.Fields = de.Fields
	case domain.ErrorCodeGatewayDeclined:
		body.Category = string(de.Category)
	case domain.ErrorCodeVaultError:
		body.Action = ActionUpdateCard
	case domain.ErrorCodeRecoveryExhausted:
		body.Message = "The card could not be updated. Please contact support or use a different card."
	case domain.ErrorCodeGatewayUnavailable:
		body.Retryable = true
	case domain.ErrorCodeConfiguration, domain.ErrorCodeInternalError:
		body.Error = string(domain.ErrorCodeInternalError)
		body.Message = "internal server error"
	}

	if wr.ShowGatewayText {
		body.GatewayText = de.GatewayText
	}
	return body
}

// Write logs server-side failures and renders err
func (wr Writer) Write(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError && wr.Logger != nil {
		wr.Logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	JSON(w, status, wr.Build(err))
}

// JSON writes v with status
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
