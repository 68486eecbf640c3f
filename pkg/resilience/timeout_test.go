package resilience

import (
	"context"
	"testing"
	"time"
)

func TestDefaultTimeoutConfig(t *testing.T) {
	config := DefaultTimeoutConfig()

	if config.HTTPHandler <= config.FunnelOperation {
		t.Errorf("HTTPHandler (%v) must be > FunnelOperation (%v)", config.HTTPHandler, config.FunnelOperation)
	}
	if config.FunnelOperation <= config.ExternalAPI {
		t.Errorf("FunnelOperation (%v) must be > ExternalAPI (%v)", config.FunnelOperation, config.ExternalAPI)
	}
	if config.ExternalAPI <= config.StoreQuery {
		t.Errorf("ExternalAPI (%v) must be > StoreQuery (%v)", config.ExternalAPI, config.StoreQuery)
	}
	if config.HTTPHandler <= config.StatusWait {
		t.Errorf("HTTPHandler (%v) must be > StatusWait (%v)", config.HTTPHandler, config.StatusWait)
	}

	if config.ExternalAPI != 30*time.Second {
		t.Errorf("Expected ExternalAPI = 30s, got %v", config.ExternalAPI)
	}
}

func TestTestTimeoutConfig(t *testing.T) {
	config := TestTimeoutConfig()

	if config.HTTPHandler >= 10*time.Second {
		t.Errorf("Test timeouts should be < 10s, got %v", config.HTTPHandler)
	}
	if config.FunnelOperation <= config.ExternalAPI {
		t.Errorf("FunnelOperation (%v) must be > ExternalAPI (%v)", config.FunnelOperation, config.ExternalAPI)
	}
}

func TestContextHelpers(t *testing.T) {
	config := DefaultTimeoutConfig()

	tests := []struct {
		name string
		fn   func(context.Context) (context.Context, context.CancelFunc)
		want time.Duration
	}{
		{"handler", config.HandlerContext, config.HTTPHandler},
		{"cron", config.CronContext, config.CronJob},
		{"funnel", config.FunnelContext, config.FunnelOperation},
		{"status_wait", config.StatusWaitContext, config.StatusWait},
		{"external_api", config.ExternalAPIContext, config.ExternalAPI},
		{"event", config.EventContext, config.EventDelivery},
		{"store", config.StoreContext, config.StoreQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := tt.fn(context.Background())
			defer cancel()

			deadline, ok := ctx.Deadline()
			if !ok {
				t.Fatal("context should have a deadline")
			}
			diff := deadline.Sub(time.Now().Add(tt.want)).Abs()
			if diff > 100*time.Millisecond {
				t.Errorf("deadline diff too large: %v", diff)
			}
		})
	}
}

func TestContextHelpers_RespectParentDeadline(t *testing.T) {
	config := DefaultTimeoutConfig()

	parent, cancelParent := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelParent()

	ctx, cancel := config.ExternalAPIContext(parent)
	defer cancel()

	deadline, _ := ctx.Deadline()
	if time.Until(deadline) > 100*time.Millisecond {
		t.Errorf("child deadline should not exceed parent deadline")
	}
}
