package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	// Gateway call metrics
	gatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_gateway_requests_total",
		Help: "Total payment gateway calls",
	}, []string{
		"operation", // sale, update_vault
		"outcome",   // approved, declined, duplicate, vault_error, unavailable
	})

	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "funnel_gateway_request_duration_seconds",
		Help: "Payment gateway call latency",
		// Buckets: 100ms to 30s (gateway timeout)
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{
		"operation",
	})

	gatewayCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "funnel_gateway_circuit_state",
		Help: "Gateway circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Funnel step metrics
	checkoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_checkouts_total",
		Help: "Total checkout attempts",
	}, []string{
		"status", // completed, declined, vault_error, unavailable, invalid
	})

	checkoutAmountCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_checkout_amount_cents_total",
		Help: "Total approved checkout amount in cents",
	})

	upsellsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_upsells_total",
		Help: "Total upsell decisions",
	}, []string{
		"step",
		"status", // accepted, declined, failed, duplicate, replayed
	})

	upsellAmountCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_upsell_amount_cents_total",
		Help: "Total approved upsell amount in cents",
	})

	cardRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_card_recoveries_total",
		Help: "Total card recovery attempts",
	}, []string{
		"status", // recovered, vault_update_failed, retry_failed, exhausted
	})

	// Webhook metrics
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_webhook_events_total",
		Help: "Total webhook deliveries by final state",
	}, []string{
		"provider",
		"state", // applied, ignored, errored, rejected
	})

	webhookProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funnel_webhook_processing_duration_seconds",
		Help:    "Time to verify and route a webhook delivery",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{
		"provider",
	})

	// Internal event metrics
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_events_published_total",
		Help: "Total internal events published",
	}, []string{
		"type",
		"status", // delivered, failed, dropped
	})

	// Session metrics
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_sessions_created_total",
		Help: "Total funnel sessions created",
	})

	sessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_sessions_swept_total",
		Help: "Total expired sessions removed by the sweeper",
	})

	orderSummariesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_order_summaries_total",
		Help: "Total order summaries built",
	}, []string{
		"source", // session, fallback
	})
)

// RecordGatewayRequest records one gateway call
func RecordGatewayRequest(operation, outcome string, duration time.Duration) {
	gatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetGatewayCircuitState publishes the breaker state
func SetGatewayCircuitState(state int) {
	gatewayCircuitState.Set(float64(state))
}

// RecordCheckout records a checkout attempt; amount is only counted when completed
func RecordCheckout(status string, amount decimal.Decimal) {
	checkoutsTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		checkoutAmountCents.Add(toCents(amount))
	}
}

// RecordUpsell records an upsell decision; amount is only counted when accepted
func RecordUpsell(step, status string, amount decimal.Decimal) {
	upsellsTotal.WithLabelValues(step, status).Inc()
	if status == "accepted" {
		upsellAmountCents.Add(toCents(amount))
	}
}

// RecordCardRecovery records a card recovery attempt
func RecordCardRecovery(status string) {
	cardRecoveriesTotal.WithLabelValues(status).Inc()
}

// RecordWebhookEvent records a processed webhook delivery
func RecordWebhookEvent(provider, state string, duration time.Duration) {
	webhookEventsTotal.WithLabelValues(provider, state).Inc()
	webhookProcessingDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordEventPublished records an internal event delivery
func RecordEventPublished(eventType, status string) {
	eventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordSessionCreated counts a new funnel session
func RecordSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// RecordSessionsSwept counts sessions removed by a sweep
func RecordSessionsSwept(count int) {
	if count > 0 {
		sessionsSweptTotal.Add(float64(count))
	}
}

// RecordOrderSummary counts a built order summary
func RecordOrderSummary(source string) {
	orderSummariesTotal.WithLabelValues(source).Inc()
}

func toCents(amount decimal.Decimal) float64 {
	cents, _ := amount.Mul(decimal.NewFromInt(100)).Round(0).Float64()
	if cents < 0 {
		return 0
	}
	return cents
}
