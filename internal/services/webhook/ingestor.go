// Package webhook accepts signed notifications from external systems and
// turns them into internal funnel events.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"go.uber.org/zap"
)

// State is where a delivery ended up
type State string

const (
	StateUnverified State = "unverified"
	StateVerified   State = "verified"
	StateRouted     State = "routed"
	StateApplied    State = "applied"
	StateIgnored    State = "ignored"
	StateErrored    State = "errored"
)

// Delivery is one raw webhook request
type Delivery struct {
	Provider    string
	Headers     http.Header
	Body        []byte
	ContentType string
}

// Outcome reports how a delivery was handled
type Outcome struct {
	State     State
	Provider  string
	EventID   string
	EventType domain.EventType
	Reason    string
}

// Config holds per-provider secrets and the verification policy
type Config struct {
	Secrets map[string]string

	// RequireSignature rejects deliveries for providers with no secret
	RequireSignature bool

	StripeTolerance time.Duration
}

// Ingestor verifies, decodes and routes webhook deliveries
type Ingestor struct {
	secrets          map[string]string
	requireSignature bool
	providers        map[string]Provider
	events           ports.EventPublisher
	clock            timeutil.Clock
	logger           *zap.Logger
}

// NewIngestor creates an ingestor with the built-in providers
func NewIngestor(cfg Config, events ports.EventPublisher, clock timeutil.Clock, logger *zap.Logger) *Ingestor {
	secrets := make(map[string]string, len(cfg.Secrets))
	for k, v := range cfg.Secrets {
		secrets[strings.ToLower(k)] = v
	}

	i := &Ingestor{
		secrets:          secrets,
		requireSignature: cfg.RequireSignature,
		providers:        make(map[string]Provider),
		events:           events,
		clock:            clock,
		logger:           logger,
	}
	i.Register(NewNMIProvider())
	i.Register(NewCRMProvider())
	i.Register(NewGenericProvider())
	i.Register(NewStripeProvider(cfg.StripeTolerance))
	return i
}

// Register adds or replaces a provider
func (i *Ingestor) Register(p Provider) {
	i.providers[p.Name()] = p
}

// Ingest handles one delivery. An error is returned only when the delivery
// is rejected; everything after verification is acknowledged.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (*Outcome, error) {
	start := time.Now()
	name := strings.ToLower(strings.TrimSpace(d.Provider))
	out := &Outcome{State: StateUnverified, Provider: name}
	defer func() {
		observability.RecordWebhookEvent(name, string(out.State), time.Since(start))
	}()

	provider, ok := i.providers[name]
	if !ok {
		out.State = StateIgnored
		out.Reason = "unknown provider"
		i.logger.Info("Ignoring webhook from unknown provider", zap.String("provider", name))
		return out, nil
	}

	if err := i.verify(provider, d); err != nil {
		return out, err
	}
	out.State = StateVerified

	event, err := provider.Translate(d)
	if errors.Is(err, errUnroutedType) {
		out.State = StateIgnored
		out.Reason = err.Error()
		i.logger.Info("Ignoring webhook event type",
			zap.String("provider", name),
			zap.String("reason", out.Reason),
		)
		return out, nil
	}
	if err != nil {
		out.State = StateErrored
		out.Reason = err.Error()
		i.logger.Error("Failed to translate webhook",
			zap.String("provider", name),
			zap.Error(err),
		)
		return out, nil
	}
	out.State = StateRouted

	event.ID = uuid.NewString()
	event.OccurredAt = i.clock.Now()
	out.EventID = event.ID
	out.EventType = event.Type

	if err := i.events.Publish(ctx, *event); err != nil {
		out.State = StateErrored
		out.Reason = err.Error()
		i.logger.Error("Failed to publish webhook event",
			zap.String("provider", name),
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
		return out, nil
	}
	out.State = StateApplied

	i.logger.Info("Webhook event accepted",
		zap.String("provider", name),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("session_id", event.SessionID),
	)
	return out, nil
}

func (i *Ingestor) verify(p Provider, d Delivery) error {
	secret := i.secrets[p.Name()]
	if secret == "" {
		if i.requireSignature {
			err := domain.NewConfigurationError("webhook secret not configured").
				WithDetail("provider", p.Name())
			i.logger.Error("Rejecting webhook without a configured secret",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			return err
		}
		i.logger.Warn("Accepting unsigned webhook, no secret configured",
			zap.String("provider", p.Name()))
		return nil
	}

	if err := p.Verify(secret, d); err != nil {
		i.logger.Warn("Webhook signature verification failed",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
		return err
	}
	return nil
}
