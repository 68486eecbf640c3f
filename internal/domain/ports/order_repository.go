package ports

import (
	"context"

	"github.com/kevin07696/funnel-service/internal/domain"
)

// OrderRepository persists the main order and its upsell records
type OrderRepository interface {
	// SaveMainOrder stores the checkout order; saving the same session twice is a no-op
	SaveMainOrder(ctx context.Context, order *domain.MainOrder) error

	// SaveUpsellOrder stores one upsell; saving the same session and step twice is a no-op
	SaveUpsellOrder(ctx context.Context, order *domain.UpsellOrder) error

	// GetMainOrder returns the main order for a session, or nil when none exists
	GetMainOrder(ctx context.Context, sessionID string) (*domain.MainOrder, error)

	// FindMainOrderByTransaction returns the main order charged as transactionID, or nil
	FindMainOrderByTransaction(ctx context.Context, transactionID string) (*domain.MainOrder, error)

	// ListUpsellOrders returns a session's upsells ordered by step
	ListUpsellOrders(ctx context.Context, sessionID string) ([]domain.UpsellOrder, error)
}
