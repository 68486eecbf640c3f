// Package webhook receives signed provider notifications over HTTP
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/handlers/apierror"
	ingest "github.com/kevin07696/funnel-service/internal/services/webhook"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 20

// Ingestor verifies and routes one delivery
type Ingestor interface {
	Ingest(ctx context.Context, d ingest.Delivery) (*ingest.Outcome, error)
}

// Handler serves the provider webhook endpoints
type Handler struct {
	ingestor Ingestor
	errors   apierror.Writer
	logger   *zap.Logger
}

// NewHandler creates the webhook handler
func NewHandler(ingestor Ingestor, logger *zap.Logger) *Handler {
	return &Handler{
		ingestor: ingestor,
		errors:   apierror.Writer{Logger: logger},
		logger:   logger,
	}
}

// Register mounts the routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{provider}", h.Receive)
	mux.HandleFunc("GET /webhooks/{provider}", h.Challenge)
}

// Response acknowledges a delivery
type Response struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Receive handles POST /webhooks/{provider}. Accepted deliveries are always
// answered 200 so the provider stops retrying, including ignored types.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.errors.Write(w, r, domain.NewValidationError(map[string]string{"body": "is too large"}))
			return
		}
		h.errors.Write(w, r, domain.NewValidationError(map[string]string{"body": "could not be read"}))
		return
	}

	out, err := h.ingestor.Ingest(r.Context(), ingest.Delivery{
		Provider:    r.PathValue("provider"),
		Headers:     r.Header,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}

	apierror.JSON(w, http.StatusOK, Response{
		Status:  string(out.State),
		EventID: out.EventID,
		Reason:  out.Reason,
	})
}

// Challenge handles GET /webhooks/{provider}. Some providers probe the
// endpoint with a challenge value that must be echoed back.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("challenge")
	if challenge == "" {
		challenge = q.Get("hub.challenge")
	}
	if challenge != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}
	apierror.JSON(w, http.StatusOK, Response{Status: "ok"})
}
