package shutdown

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// InFlightTracker counts requests in progress so shutdown can wait for them.
// Once draining starts, new work is refused.
type InFlightTracker struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	draining bool
	logger   *zap.Logger
	name     string
}

// NewInFlightTracker creates a tracker; name appears in logs
func NewInFlightTracker(name string, logger *zap.Logger) *InFlightTracker {
	return &InFlightTracker{logger: logger, name: name}
}

// Add registers one unit of work; false means shutdown has started
func (t *InFlightTracker) Add() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	return true
}

// Done finishes one unit of work
func (t *InFlightTracker) Done() {
	t.wg.Done()
}

// IsShuttingDown reports whether draining has started
func (t *InFlightTracker) IsShuttingDown() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.draining
}

// Shutdown refuses new work and waits for work in progress
func (t *InFlightTracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	t.logger.Info("Waiting for in-flight requests", zap.String("tracker", t.name))

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("In-flight requests completed", zap.String("tracker", t.name))
		return nil
	case <-ctx.Done():
		t.logger.Warn("Shutdown timeout with requests still in flight", zap.String("tracker", t.name))
		return ctx.Err()
	}
}

// Middleware answers 503 while draining and tracks every other request
func (t *InFlightTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Add() {
			w.Header().Set("Connection", "close")
			w.Header().Set("Retry-After", "5")
			http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer t.Done()
		next.ServeHTTP(w, r)
	})
}
