// Package memory holds in-process adapters used when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
)

type upsellKey struct {
	sessionID string
	step      int
}

// OrderRepository keeps orders in maps guarded by a RWMutex
type OrderRepository struct {
	mu      sync.RWMutex
	main    map[string]domain.MainOrder
	upsells map[upsellKey]domain.UpsellOrder
}

var _ ports.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository creates an empty repository
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		main:    make(map[string]domain.MainOrder),
		upsells: make(map[upsellKey]domain.UpsellOrder),
	}
}

func (r *OrderRepository) SaveMainOrder(ctx context.Context, order *domain.MainOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.main[order.SessionID]; exists {
		return nil
	}
	stored := *order
	stored.LineItems = append([]domain.LineItem(nil), order.LineItems...)
	if order.Shipping != nil {
		addr := *order.Shipping
		stored.Shipping = &addr
	}
	r.main[order.SessionID] = stored
	return nil
}

func (r *OrderRepository) SaveUpsellOrder(ctx context.Context, order *domain.UpsellOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := upsellKey{sessionID: order.SessionID, step: order.Step}
	if _, exists := r.upsells[key]; exists {
		return nil
	}
	r.upsells[key] = *order
	return nil
}

func (r *OrderRepository) GetMainOrder(ctx context.Context, sessionID string) (*domain.MainOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.main[sessionID]
	if !ok {
		return nil, nil
	}
	order.LineItems = append([]domain.LineItem(nil), order.LineItems...)
	return &order, nil
}

func (r *OrderRepository) FindMainOrderByTransaction(ctx context.Context, transactionID string) (*domain.MainOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.MainOrder
	for _, order := range r.main {
		if order.TransactionID != transactionID {
			continue
		}
		if found == nil || order.CreatedAt.Before(found.CreatedAt) {
			o := order
			found = &o
		}
	}
	if found != nil {
		found.LineItems = append([]domain.LineItem(nil), found.LineItems...)
	}
	return found, nil
}

func (r *OrderRepository) ListUpsellOrders(ctx context.Context, sessionID string) ([]domain.UpsellOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var orders []domain.UpsellOrder
	for key, order := range r.upsells {
		if key.sessionID == sessionID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Step < orders[j].Step })
	return orders, nil
}
