package resilience

import (
	"context"
	"time"
)

// TimeoutConfig defines timeout values for the service's timeout hierarchy
//
// Timeout Hierarchy (from outermost to innermost):
//
//	HTTP Handler (60s)
//	  ↓
//	Funnel operation (45s - checkout, upsell, card recovery)
//	  ↓
//	Gateway call (30s)
//	  ↓
//	Store operation (2s/5s)
//
// Each layer must finish before its parent times out so that a gateway
// timeout surfaces as "unavailable" instead of a cancelled request.
type TimeoutConfig struct {
	HTTPHandler time.Duration // Overall request timeout (default: 60s)
	CronJob     time.Duration // Cron endpoint execution (default: 5 minutes)

	FunnelOperation time.Duration // Checkout/upsell/recovery (default: 45s)
	StatusWait      time.Duration // Long-poll on session status (default: 25s)

	ExternalAPI   time.Duration // Gateway calls (default: 30s)
	EventDelivery time.Duration // One event publish to a subscriber (default: 10s)
	StoreQuery    time.Duration // Session store / order repository (default: 5s)
}

// DefaultTimeoutConfig returns production timeout values
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler: 60 * time.Second,
		CronJob:     5 * time.Minute,

		FunnelOperation: 45 * time.Second,
		StatusWait:      25 * time.Second,

		ExternalAPI:   30 * time.Second,
		EventDelivery: 10 * time.Second,
		StoreQuery:    5 * time.Second,
	}
}

// TestTimeoutConfig returns shorter timeouts for testing
func TestTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:     5 * time.Second,
		CronJob:         30 * time.Second,
		FunnelOperation: 4 * time.Second,
		StatusWait:      2 * time.Second,
		ExternalAPI:     3 * time.Second,
		EventDelivery:   1 * time.Second,
		StoreQuery:      1 * time.Second,
	}
}

// HandlerContext creates a context with timeout for HTTP handlers
func (tc *TimeoutConfig) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.HTTPHandler)
}

// CronContext creates a context with timeout for cron jobs
func (tc *TimeoutConfig) CronContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.CronJob)
}

// FunnelContext creates a context for a checkout, upsell or recovery operation
func (tc *TimeoutConfig) FunnelContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.FunnelOperation)
}

// StatusWaitContext bounds a long-poll on session state
func (tc *TimeoutConfig) StatusWaitContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.StatusWait)
}

// ExternalAPIContext creates a context for gateway calls
func (tc *TimeoutConfig) ExternalAPIContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.ExternalAPI)
}

// EventContext creates a context for delivering one event
func (tc *TimeoutConfig) EventContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.EventDelivery)
}

// StoreContext creates a context for a single store operation
func (tc *TimeoutConfig) StoreContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.StoreQuery)
}
