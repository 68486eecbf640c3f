package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often expired sessions are removed
const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes expired sessions from one goroutine
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper; interval <= 0 uses DefaultSweepInterval
func NewSweeper(store *Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Start launches the sweep loop; calling it twice has no effect
func (w *Sweeper) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.SweepOnce(ctx)
			}
		}
	}(w.done)

	w.logger.Info("Session sweeper started", zap.Duration("interval", w.interval))
}

// SweepOnce runs a single sweep and logs the result
func (w *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()
	removed, err := w.store.SweepExpired(ctx)
	if err != nil {
		w.logger.Error("Session sweep failed",
			zap.Error(err),
			zap.Int("removed", removed),
		)
		return removed
	}
	if removed > 0 {
		w.logger.Info("Expired sessions swept",
			zap.Int("removed", removed),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return removed
}

// Stop ends the loop and waits for an in-progress sweep to finish
func (w *Sweeper) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		w.logger.Info("Session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
