package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_DeliversToTypedAndWildcardSubscribers(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 8, Workers: 2}, zap.NewNop())

	var mu sync.Mutex
	var typed, wildcard []string
	bus.Subscribe(domain.EventVaultUpdated, func(ctx context.Context, e domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		typed = append(typed, e.ID)
		return nil
	})
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		wildcard = append(wildcard, e.ID)
		return nil
	})
	bus.Start()

	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "1", Type: domain.EventVaultUpdated}))
	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "2", Type: domain.EventOrderCreated}))
	require.NoError(t, bus.Shutdown(context.Background()))

	assert.Equal(t, []string{"1"}, typed)
	assert.ElementsMatch(t, []string{"1", "2"}, wildcard)
}

func TestBus_HandlerContextOutlivesCaller(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 1, Workers: 1}, zap.NewNop())

	var handlerErr atomic.Value
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error {
		handlerErr.Store(ctx.Err() == nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, domain.Event{ID: "1", Type: domain.EventOrderCreated}))
	cancel()

	bus.Start()
	require.NoError(t, bus.Shutdown(context.Background()))
	assert.Equal(t, true, handlerErr.Load())
}

func TestBus_FailingAndPanickingHandlersDoNotStopOthers(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 4, Workers: 1}, zap.NewNop())

	var calls atomic.Int32
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error { return errors.New("boom") })
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error { panic("kaboom") })
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error {
		calls.Add(1)
		return nil
	})
	bus.Start()

	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "1", Type: domain.EventPaymentFailed}))
	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "2", Type: domain.EventPaymentFailed}))
	require.NoError(t, bus.Shutdown(context.Background()))

	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_FullQueueDropsEvent(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 1, Workers: 1}, zap.NewNop())

	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "1"}))
	assert.ErrorIs(t, bus.Publish(context.Background(), domain.Event{ID: "2"}), ErrBusFull)

	require.NoError(t, bus.Shutdown(context.Background()))
}

func TestBus_PublishAfterShutdown(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), zap.NewNop())
	bus.Start()
	require.NoError(t, bus.Shutdown(context.Background()))
	require.NoError(t, bus.Shutdown(context.Background()), "second shutdown is a no-op")

	assert.ErrorIs(t, bus.Publish(context.Background(), domain.Event{ID: "late"}), ErrBusClosed)
}

func TestBus_ShutdownTimeout(t *testing.T) {
	bus := NewBus(BusConfig{QueueSize: 1, Workers: 1}, zap.NewNop())
	release := make(chan struct{})
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error {
		<-release
		return nil
	})
	bus.Start()
	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "slow"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestForward(t *testing.T) {
	target := NewBus(BusConfig{QueueSize: 1, Workers: 1}, zap.NewNop())
	received := make(chan domain.Event, 1)
	target.SubscribeAll(func(ctx context.Context, e domain.Event) error {
		received <- e
		return nil
	})
	target.Start()

	require.NoError(t, Forward(target)(context.Background(), domain.Event{ID: "fwd"}))
	select {
	case e := <-received:
		assert.Equal(t, "fwd", e.ID)
	case <-time.After(time.Second):
		t.Fatal("forwarded event not delivered")
	}
	require.NoError(t, target.Shutdown(context.Background()))
}
