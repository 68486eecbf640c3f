package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sessionadapter "github.com/kevin07696/funnel-service/internal/adapters/session"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/pkg/resilience"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *sessionadapter.MemoryBackend, *timeutil.FakeClock) {
	t.Helper()
	backend := sessionadapter.NewMemoryBackend()
	clock := timeutil.NewFakeClock(epoch)
	return NewStore(backend, time.Hour, clock, zap.NewNop()), backend, clock
}

func newInput() domain.NewSession {
	return domain.NewSession{
		Customer:  domain.CustomerInfo{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		LineItems: []domain.LineItem{{ProductCode: "BOOK", Price: decimal.NewFromInt(37), Quantity: 1}},
		Amount:    decimal.NewFromInt(37),
	}
}

func TestStore_Create(t *testing.T) {
	store, _, _ := newTestStore(t)

	s, err := store.Create(context.Background(), newInput())
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, domain.SessionStatusInitiated, s.Status)
	assert.Equal(t, domain.StepCheckout, s.CurrentStep)
	assert.Equal(t, "ada@example.com", s.Email)
	assert.Equal(t, epoch.Add(time.Hour), s.ExpiresAt)
	assert.True(t, s.ExpiresAt.After(s.CreatedAt))
}

func TestStore_GetExpiredIsAbsentBeforeSweep(t *testing.T) {
	store, backend, clock := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = store.Get(ctx, s.ID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.True(t, domain.IsNotFoundError(err))
	assert.Equal(t, 0, backend.Len(), "expired record is removed on read")

	_, err = store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStore_MutateExpired(t *testing.T) {
	store, backend, clock := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = store.SetStep(ctx, s.ID, domain.UpsellStep(1))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, 0, backend.Len())
}

func TestStore_UpdateMergesFields(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	clock.Advance(time.Second)
	vault := "vault-1"
	updated, err := store.Update(ctx, s.ID, domain.SessionPatch{
		VaultID:  &vault,
		Metadata: map[string]string{"utm_source": "ads"},
	})
	require.NoError(t, err)

	assert.Equal(t, "vault-1", updated.VaultID)
	assert.Equal(t, "ads", updated.Metadata["utm_source"])
	assert.Equal(t, "ada@example.com", updated.Email, "unspecified fields are kept")
	assert.Len(t, updated.LineItems, 1)
	assert.Equal(t, s.Version+1, updated.Version)
	assert.Equal(t, epoch.Add(time.Second), updated.UpdatedAt)
}

func TestStore_StatusTransitions(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	_, err = store.SetStatus(ctx, s.ID, domain.SessionStatusCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = store.SetStatus(ctx, s.ID, domain.SessionStatusProcessing)
	require.NoError(t, err)
	got, err := store.SetStatus(ctx, s.ID, domain.SessionStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)
}

func TestStore_AcceptDeclineAreExclusive(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	_, err = store.DeclineUpsell(ctx, s.ID, "AUDIO")
	require.NoError(t, err)
	got, err := store.AcceptUpsell(ctx, s.ID, "AUDIO")
	require.NoError(t, err)
	assert.Equal(t, []string{"AUDIO"}, got.UpsellsAccepted)
	assert.Empty(t, got.UpsellsDeclined)

	got, err = store.DeclineUpsell(ctx, s.ID, "AUDIO")
	require.NoError(t, err)
	assert.Empty(t, got.UpsellsAccepted)
	assert.Equal(t, []string{"AUDIO"}, got.UpsellsDeclined)
}

func TestStore_AppendUpsellAndPendingCharge(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	_, err = store.AppendUpsell(ctx, s.ID, domain.UpsellRecord{Step: 1, ProductCode: "A", TransactionID: "t1"})
	require.NoError(t, err)
	_, err = store.AppendUpsell(ctx, s.ID, domain.UpsellRecord{Step: 1, ProductCode: "A", TransactionID: "t2"})
	assert.ErrorIs(t, err, domain.ErrDuplicateStep)

	got, err := store.SetPendingCharge(ctx, s.ID, domain.PendingCharge{Kind: domain.ChargeKindUpsell, Step: 2, Amount: decimal.NewFromInt(97)})
	require.NoError(t, err)
	require.NotNil(t, got.PendingCharge)
	assert.Equal(t, 2, got.PendingCharge.Step)

	clock.Advance(time.Minute)
	got, err = store.SetVaultID(ctx, s.ID, "vault-2")
	require.NoError(t, err)
	assert.Equal(t, "vault-2", got.VaultID)
	require.NotNil(t, got.LastVaultUpdate)
	assert.Equal(t, epoch.Add(time.Minute), *got.LastVaultUpdate)

	got, err = store.ClearPendingCharge(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingCharge)
	assert.Len(t, got.Upsells, 1)
}

func TestStore_ConcurrentFieldUpdatesAreKept(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := store.AcceptUpsell(ctx, s.ID, fmt.Sprintf("P%d", i))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, s.ID, domain.SessionPatch{Metadata: map[string]string{fmt.Sprintf("k%d", i): "v"}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.UpsellsAccepted, 10)
	assert.Len(t, got.Metadata, 10)
	assert.Equal(t, int64(21), got.Version)
}

func TestStore_SweepExpired(t *testing.T) {
	store, backend, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, newInput())
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Minute)
	_, err := store.Create(ctx, newInput())
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	removed, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, backend.Len())
}

func TestSweeper_StartStop(t *testing.T) {
	store, backend, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, newInput())
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	sweeper := NewSweeper(store, 5*time.Millisecond, zap.NewNop())
	sweeper.Start(ctx)
	sweeper.Start(ctx)

	require.Eventually(t, func() bool { return backend.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sweeper.Stop(ctx))
	require.NoError(t, NewSweeper(store, 0, zap.NewNop()).Stop(ctx), "stopping an unstarted sweeper is a no-op")
}

func TestStatusWatcher(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	poller := resilience.Poller{MaxAttempts: 50, Backoff: &resilience.FixedBackoff{Delay: time.Millisecond}}
	watcher := NewStatusWatcher(store, poller)

	t.Run("satisfied when a concurrent update completes the session", func(t *testing.T) {
		s, err := store.Create(ctx, newInput())
		require.NoError(t, err)
		_, err = store.SetStatus(ctx, s.ID, domain.SessionStatusProcessing)
		require.NoError(t, err)

		go func() {
			time.Sleep(5 * time.Millisecond)
			_, _ = store.SetStatus(ctx, s.ID, domain.SessionStatusCompleted)
		}()

		result, err := watcher.Wait(ctx, s.ID, Settled)
		require.NoError(t, err)
		assert.Equal(t, resilience.PollSatisfied, result.State)
		assert.Equal(t, domain.SessionStatusCompleted, result.Value.Status)
	})

	t.Run("terminal on failure", func(t *testing.T) {
		s, err := store.Create(ctx, newInput())
		require.NoError(t, err)
		_, err = store.SetStatus(ctx, s.ID, domain.SessionStatusProcessing)
		require.NoError(t, err)
		_, err = store.SetStatus(ctx, s.ID, domain.SessionStatusFailed)
		require.NoError(t, err)

		result, err := watcher.Wait(ctx, s.ID, Settled)
		require.NoError(t, err)
		assert.Equal(t, resilience.PollTerminal, result.State)
		assert.Equal(t, 1, result.Attempts)
	})

	t.Run("exhausted after the attempt budget", func(t *testing.T) {
		s, err := store.Create(ctx, newInput())
		require.NoError(t, err)

		short := NewStatusWatcher(store, resilience.Poller{MaxAttempts: 3, Backoff: &resilience.FixedBackoff{Delay: time.Millisecond}})
		result, err := short.Wait(ctx, s.ID, StepLeft(domain.StepCheckout))
		require.NoError(t, err)
		assert.Equal(t, resilience.PollExhausted, result.State)
		assert.Equal(t, 3, result.Attempts)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := watcher.Wait(ctx, "missing", Settled)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}
