package ports

import (
	"context"

	"github.com/kevin07696/funnel-service/internal/domain"
)

// EventPublisher delivers funnel events to subscribers.
// Publish must not block on subscriber work.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// EventHandler consumes one event
type EventHandler func(ctx context.Context, event domain.Event) error
