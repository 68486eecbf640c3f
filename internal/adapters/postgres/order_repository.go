package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/funnel-service/internal/adapters/database"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
)

const (
	insertMainOrderSQL = `
INSERT INTO main_orders (
	session_id, order_id, customer, shipping_address, line_items,
	subtotal, tax, shipping, total, transaction_id, vault_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id) DO NOTHING`

	insertUpsellOrderSQL = `
INSERT INTO upsell_orders (
	session_id, step, order_id, product_code, amount, transaction_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, step) DO NOTHING`

	mainOrderColumns = `
SELECT session_id, order_id, customer, shipping_address, line_items,
	subtotal, tax, shipping, total, transaction_id, vault_id, created_at
FROM main_orders`

	selectMainOrderSQL = mainOrderColumns + `
WHERE session_id = $1`

	selectMainOrderByTransactionSQL = mainOrderColumns + `
WHERE transaction_id = $1
ORDER BY created_at
LIMIT 1`

	selectUpsellOrdersSQL = `
SELECT session_id, step, order_id, product_code, amount, transaction_id, created_at
FROM upsell_orders
WHERE session_id = $1
ORDER BY step`
)

// OrderRepository implements ports.OrderRepository on Postgres
type OrderRepository struct {
	db database.DBTX
}

var _ ports.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository creates a repository over a pool or transaction
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// SaveMainOrder stores the checkout order
func (r *OrderRepository) SaveMainOrder(ctx context.Context, order *domain.MainOrder) error {
	customer, err := json.Marshal(order.Customer)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}

	var shipping []byte
	if order.Shipping != nil {
		shipping, err = json.Marshal(order.Shipping)
		if err != nil {
			return fmt.Errorf("marshal shipping address: %w", err)
		}
	}

	lineItems := order.LineItems
	if lineItems == nil {
		lineItems = []domain.LineItem{}
	}
	items, err := json.Marshal(lineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}

	_, err = r.db.Exec(ctx, insertMainOrderSQL,
		order.SessionID,
		order.OrderID,
		customer,
		shipping,
		items,
		decimalToNumeric(order.Subtotal),
		decimalToNumeric(order.Tax),
		decimalToNumeric(order.ShippingAmount),
		decimalToNumeric(order.Total),
		order.TransactionID,
		nullText(order.VaultID),
		createdAt(order.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert main order: %w", err)
	}
	return nil
}

// SaveUpsellOrder stores one charged upsell
func (r *OrderRepository) SaveUpsellOrder(ctx context.Context, order *domain.UpsellOrder) error {
	_, err := r.db.Exec(ctx, insertUpsellOrderSQL,
		order.SessionID,
		order.Step,
		order.OrderID,
		order.ProductCode,
		decimalToNumeric(order.Amount),
		order.TransactionID,
		createdAt(order.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert upsell order: %w", err)
	}
	return nil
}

// GetMainOrder returns nil, nil when the session has no main order
func (r *OrderRepository) GetMainOrder(ctx context.Context, sessionID string) (*domain.MainOrder, error) {
	return r.scanMainOrder(r.db.QueryRow(ctx, selectMainOrderSQL, sessionID))
}

// FindMainOrderByTransaction returns the earliest main order charged as
// transactionID, or nil, nil
func (r *OrderRepository) FindMainOrderByTransaction(ctx context.Context, transactionID string) (*domain.MainOrder, error) {
	return r.scanMainOrder(r.db.QueryRow(ctx, selectMainOrderByTransactionSQL, transactionID))
}

func (r *OrderRepository) scanMainOrder(row pgx.Row) (*domain.MainOrder, error) {
	var (
		order                            domain.MainOrder
		orderID, vaultID                 pgtype.Text
		customer, shipping, items        []byte
		subtotal, tax, shipAmount, total pgtype.Numeric
	)

	err := row.Scan(
		&order.SessionID,
		&orderID,
		&customer,
		&shipping,
		&items,
		&subtotal,
		&tax,
		&shipAmount,
		&total,
		&order.TransactionID,
		&vaultID,
		&order.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get main order: %w", err)
	}

	order.OrderID = orderID.String
	order.VaultID = vaultID.String

	if err := json.Unmarshal(customer, &order.Customer); err != nil {
		return nil, fmt.Errorf("unmarshal customer: %w", err)
	}
	if len(shipping) > 0 {
		var addr domain.Address
		if err := json.Unmarshal(shipping, &addr); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
		order.Shipping = &addr
	}
	if err := json.Unmarshal(items, &order.LineItems); err != nil {
		return nil, fmt.Errorf("unmarshal line items: %w", err)
	}

	if order.Subtotal, err = pgNumericToDecimal(subtotal); err != nil {
		return nil, fmt.Errorf("convert subtotal: %w", err)
	}
	if order.Tax, err = pgNumericToDecimal(tax); err != nil {
		return nil, fmt.Errorf("convert tax: %w", err)
	}
	if order.ShippingAmount, err = pgNumericToDecimal(shipAmount); err != nil {
		return nil, fmt.Errorf("convert shipping: %w", err)
	}
	if order.Total, err = pgNumericToDecimal(total); err != nil {
		return nil, fmt.Errorf("convert total: %w", err)
	}

	return &order, nil
}

// ListUpsellOrders returns the session's upsells ordered by step
func (r *OrderRepository) ListUpsellOrders(ctx context.Context, sessionID string) ([]domain.UpsellOrder, error) {
	rows, err := r.db.Query(ctx, selectUpsellOrdersSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list upsell orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.UpsellOrder
	for rows.Next() {
		var (
			o       domain.UpsellOrder
			orderID pgtype.Text
			amount  pgtype.Numeric
		)
		if err := rows.Scan(&o.SessionID, &o.Step, &orderID, &o.ProductCode, &amount, &o.TransactionID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upsell order: %w", err)
		}
		o.OrderID = orderID.String
		if o.Amount, err = pgNumericToDecimal(amount); err != nil {
			return nil, fmt.Errorf("convert amount: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upsell orders: %w", err)
	}
	return orders, nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
