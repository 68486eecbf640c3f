package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRepository_MainOrder(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	got, err := repo.GetMainOrder(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	order := &domain.MainOrder{
		SessionID:     "sess-1",
		OrderID:       "ORD-1",
		TransactionID: "txn-1",
		LineItems:     []domain.LineItem{{ProductCode: "A", Price: decimal.NewFromInt(50), Quantity: 2}},
		Total:         decimal.NewFromInt(100),
	}
	require.NoError(t, repo.SaveMainOrder(ctx, order))
	require.NoError(t, repo.SaveMainOrder(ctx, &domain.MainOrder{SessionID: "sess-1", TransactionID: "txn-2"}))

	order.LineItems[0].Quantity = 99

	got, err = repo.GetMainOrder(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "txn-1", got.TransactionID, "first write wins")
	assert.Equal(t, 2, got.LineItems[0].Quantity, "stored copy is isolated from the caller")
}

func TestOrderRepository_UpsellOrders(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	for _, step := range []int{3, 1, 2} {
		require.NoError(t, repo.SaveUpsellOrder(ctx, &domain.UpsellOrder{
			SessionID: "sess-1", Step: step, ProductCode: "P", Amount: decimal.NewFromInt(10), TransactionID: "t",
		}))
	}
	require.NoError(t, repo.SaveUpsellOrder(ctx, &domain.UpsellOrder{SessionID: "sess-1", Step: 1, TransactionID: "dup"}))
	require.NoError(t, repo.SaveUpsellOrder(ctx, &domain.UpsellOrder{SessionID: "other", Step: 1, TransactionID: "x"}))

	orders, err := repo.ListUpsellOrders(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	for i, o := range orders {
		assert.Equal(t, i+1, o.Step)
		assert.Equal(t, "t", o.TransactionID)
	}
}

func TestOrderRepository_CancelledContext(t *testing.T) {
	repo := NewOrderRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, repo.SaveMainOrder(ctx, &domain.MainOrder{SessionID: "s"}), context.Canceled)
	_, err := repo.ListUpsellOrders(ctx, "s")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrderRepository_FindMainOrderByTransaction(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveMainOrder(ctx, &domain.MainOrder{SessionID: "retry", TransactionID: "txn-1", CreatedAt: now.Add(time.Minute)}))
	require.NoError(t, repo.SaveMainOrder(ctx, &domain.MainOrder{SessionID: "first", TransactionID: "txn-1", VaultID: "vault-1", CreatedAt: now}))
	require.NoError(t, repo.SaveMainOrder(ctx, &domain.MainOrder{SessionID: "other", TransactionID: "txn-2", CreatedAt: now}))

	got, err := repo.FindMainOrderByTransaction(ctx, "txn-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.SessionID, "earliest order for the transaction")
	assert.Equal(t, "vault-1", got.VaultID)

	got, err = repo.FindMainOrderByTransaction(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
