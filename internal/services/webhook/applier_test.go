package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/kevin07696/funnel-service/internal/adapters/memory"
	sessionadapter "github.com/kevin07696/funnel-service/internal/adapters/session"
	"github.com/kevin07696/funnel-service/internal/catalog"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/internal/testutil/fixtures"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newApplierHarness(t *testing.T) (*Applier, *session.Store, *domain.FunnelSession) {
	t.Helper()
	a, store, sess, _ := newApplierHarnessWithOrders(t)
	return a, store, sess
}

func newApplierHarnessWithOrders(t *testing.T) (*Applier, *session.Store, *domain.FunnelSession, *memory.OrderRepository) {
	t.Helper()
	clock := timeutil.NewFakeClock(testNow)
	store := session.NewStore(sessionadapter.NewMemoryBackend(), time.Hour, clock, zap.NewNop())
	sess, err := store.Create(context.Background(), domain.NewSession{
		Customer:  fixtures.Customer("CA"),
		LineItems: []domain.LineItem{fixtures.LineItem("BOOK-CORE", "37.00", 1)},
		Amount:    decimal.RequireFromString("40.24"),
	})
	require.NoError(t, err)
	orders := memory.NewOrderRepository()
	return NewApplier(store, orders, catalog.DefaultCatalog(), clock, zap.NewNop()), store, sess, orders
}

func TestApplier_PaymentFailedRecordsDecline(t *testing.T) {
	a, store, sess := newApplierHarness(t)
	ctx := context.Background()

	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventPaymentFailed, Provider: ProviderNMI, SessionID: sess.ID, Step: 2,
	}))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"COACHING-CALL"}, got.UpsellsDeclined)
}

func TestApplier_PaymentFailedKeepsChargedStep(t *testing.T) {
	a, store, sess := newApplierHarness(t)
	ctx := context.Background()

	_, err := store.Mutate(ctx, sess.ID, func(s *domain.FunnelSession) error {
		s.AcceptUpsell("AUDIO-UPGRADE")
		return s.AppendUpsell(domain.UpsellRecord{Step: 1, ProductCode: "AUDIO-UPGRADE", TransactionID: "T1"})
	})
	require.NoError(t, err)

	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventPaymentFailed, Provider: ProviderNMI, SessionID: sess.ID, Step: 1,
	}))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"AUDIO-UPGRADE"}, got.UpsellsAccepted)
	assert.Empty(t, got.UpsellsDeclined)
}

func TestApplier_VaultUpdatedAndTransaction(t *testing.T) {
	a, store, sess := newApplierHarness(t)
	ctx := context.Background()

	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventVaultUpdated, Provider: ProviderCRM, SessionID: sess.ID, VaultID: "V-2",
	}))
	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventPaymentSucceeded, Provider: ProviderNMI, SessionID: sess.ID, TransactionID: "T-100",
	}))
	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventPaymentSucceeded, Provider: ProviderNMI, SessionID: sess.ID, TransactionID: "T-200",
	}))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "V-2", got.VaultID)
	require.NotNil(t, got.LastVaultUpdate)
	assert.Equal(t, "T-100", got.TransactionID, "only an unset transaction id is filled")
}

func TestApplier_PaymentSucceededCompletesUnconfirmedCheckout(t *testing.T) {
	a, store, sess, orders := newApplierHarnessWithOrders(t)
	ctx := context.Background()

	_, err := store.Mutate(ctx, sess.ID, func(s *domain.FunnelSession) error {
		s.CurrentStep = domain.StepProcessing
		return s.TransitionTo(domain.SessionStatusProcessing)
	})
	require.NoError(t, err)

	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventPaymentSucceeded, Provider: ProviderNMI, SessionID: sess.ID,
		TransactionID: "1001", VaultID: "vault-9",
	}))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)
	assert.Equal(t, domain.UpsellStep(1), got.CurrentStep)
	assert.Equal(t, "1001", got.TransactionID)
	assert.Equal(t, "vault-9", got.VaultID)
	assert.Nil(t, got.PendingCharge)

	order, err := orders.GetMainOrder(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "1001", order.TransactionID)
	assert.Equal(t, "vault-9", order.VaultID)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("40.24")))
	assert.Equal(t, testNow, order.CreatedAt)

	// a redelivered callback leaves the completed checkout alone
	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventPaymentSucceeded, Provider: ProviderNMI, SessionID: sess.ID,
		TransactionID: "1002", VaultID: "vault-10",
	}))
	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "1001", got.TransactionID)
	assert.Equal(t, "vault-9", got.VaultID)
}

func TestApplier_SkipsInternalAndUnknownSessions(t *testing.T) {
	a, store, sess := newApplierHarness(t)
	ctx := context.Background()

	require.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventVaultUpdated, SessionID: sess.ID, VaultID: "V-internal",
	}))
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.VaultID)

	assert.NoError(t, a.Handle(ctx, domain.Event{
		Type: domain.EventVaultUpdated, Provider: ProviderCRM, SessionID: "gone", VaultID: "V-1",
	}))
}

type recordingBus struct {
	subscribed []domain.EventType
}

func (b *recordingBus) Subscribe(t domain.EventType, h ports.EventHandler) {
	b.subscribed = append(b.subscribed, t)
}

func TestApplier_SubscribeTo(t *testing.T) {
	a, _, _ := newApplierHarness(t)
	bus := &recordingBus{}
	a.SubscribeTo(bus)
	assert.ElementsMatch(t, []domain.EventType{
		domain.EventPaymentFailed, domain.EventVaultUpdated, domain.EventPaymentSucceeded,
	}, bus.subscribed)
}
