package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	pkghttp "github.com/kevin07696/funnel-service/pkg/http"
	"github.com/kevin07696/funnel-service/pkg/resilience"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Funnel-Signature"
	EventTypeHeader = "X-Funnel-Event-Type"
	TimestampHeader = "X-Funnel-Timestamp"
)

// HTTPForwarderConfig configures delivery to a downstream endpoint
type HTTPForwarderConfig struct {
	URL         string
	Secret      string
	MaxAttempts int
	Timeout     time.Duration
}

// HTTPForwarder POSTs each event as signed JSON to a downstream service,
// such as fulfilment or a CRM. Failed deliveries are retried with backoff.
type HTTPForwarder struct {
	config     HTTPForwarderConfig
	httpClient *http.Client
	backoff    resilience.BackoffStrategy
	logger     *zap.Logger
}

var _ ports.EventPublisher = (*HTTPForwarder)(nil)

// NewHTTPForwarder creates a forwarder; a nil client gets the configured timeout
func NewHTTPForwarder(cfg HTTPForwarderConfig, httpClient *http.Client, logger *zap.Logger) (*HTTPForwarder, error) {
	if cfg.URL == "" {
		return nil, domain.NewConfigurationError("event forward URL is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = pkghttp.NewHTTPClient(pkghttp.ForwarderClientConfig(), cfg.Timeout)
	}
	return &HTTPForwarder{
		config:     cfg,
		httpClient: httpClient,
		backoff:    resilience.DefaultExponentialBackoff(),
		logger:     logger,
	}, nil
}

// Publish delivers the event, retrying transport errors and non-2xx answers
func (f *HTTPForwarder) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < f.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := f.backoff.NextDelay(attempt - 1)
			f.logger.Warn("Retrying event delivery",
				zap.String("event_id", event.ID),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff_delay", delay),
				zap.Error(lastErr),
			)
			if err := resilience.Sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = f.deliver(ctx, event, payload)
		if lastErr == nil {
			f.logger.Debug("Event delivered",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
			)
			return nil
		}
	}

	return fmt.Errorf("event delivery failed after %d attempts: %w", f.config.MaxAttempts, lastErr)
}

func (f *HTTPForwarder) deliver(ctx context.Context, event domain.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventTypeHeader, string(event.Type))
	req.Header.Set(TimestampHeader, event.OccurredAt.UTC().Format(time.RFC3339))
	if f.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, f.config.Secret))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
