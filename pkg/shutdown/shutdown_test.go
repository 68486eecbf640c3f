package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_ShutsDownInReverseOrder(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)

	var order []string
	for _, name := range []string{"postgres", "redis", "bus", "http"} {
		name := name
		m.RegisterNoErr(name, func() { order = append(order, name) })
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "bus", "redis", "postgres"}, order)

	require.NoError(t, m.Shutdown(), "second call is a no-op")
	assert.Len(t, order, 4)
}

func TestManager_CollectsErrorsAndContinues(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)
	boom := errors.New("boom")

	var closed bool
	m.RegisterNoErr("db", func() { closed = true })
	m.Register("bus", func(ctx context.Context) error { return boom })

	err := m.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bus")
	assert.True(t, closed)
}

func TestManager_TimeoutSkipsRemaining(t *testing.T) {
	m := NewManager(zap.NewNop(), 20*time.Millisecond)

	var ran bool
	m.RegisterNoErr("db", func() { ran = true })
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := m.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestInFlightTracker_Middleware(t *testing.T) {
	tracker := NewInFlightTracker("http", zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	h := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	go h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- tracker.Shutdown(context.Background()) }()

	assert.Eventually(t, tracker.IsShuttingDown, time.Second, time.Millisecond)

	rejected := httptest.NewRecorder()
	h.ServeHTTP(rejected, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rejected.Code)

	close(release)
	require.NoError(t, <-shutdownDone)
}

func TestInFlightTracker_ShutdownTimeout(t *testing.T) {
	tracker := NewInFlightTracker("jobs", zap.NewNop())
	require.True(t, tracker.Add())
	defer tracker.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tracker.Shutdown(ctx), context.DeadlineExceeded)
	assert.False(t, tracker.Add())
}
