// Package events delivers funnel events to in-process subscribers and
// downstream sinks without blocking the request that produced them.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"go.uber.org/zap"
)

var (
	// ErrBusClosed is returned by Publish after Shutdown started
	ErrBusClosed = errors.New("event bus is closed")

	// ErrBusFull is returned when the queue has no room; the event is dropped
	ErrBusFull = errors.New("event bus queue is full")
)

// BusConfig sizes the bus
type BusConfig struct {
	QueueSize int
	Workers   int
}

// DefaultBusConfig returns a 1024-slot queue drained by 4 workers
func DefaultBusConfig() BusConfig {
	return BusConfig{QueueSize: 1024, Workers: 4}
}

type envelope struct {
	ctx   context.Context
	event domain.Event
}

// Bus is an asynchronous in-process publisher. Publish enqueues and returns;
// worker goroutines run the subscribed handlers.
type Bus struct {
	logger *zap.Logger
	queue  chan envelope

	mu       sync.RWMutex
	handlers map[domain.EventType][]ports.EventHandler
	all      []ports.EventHandler
	closed   bool

	workers int
	wg      sync.WaitGroup
	started sync.Once
}

var _ ports.EventPublisher = (*Bus)(nil)

// NewBus creates a bus; call Start before publishing
func NewBus(cfg BusConfig, logger *zap.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBusConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBusConfig().Workers
	}
	return &Bus{
		logger:   logger,
		queue:    make(chan envelope, cfg.QueueSize),
		handlers: make(map[domain.EventType][]ports.EventHandler),
		workers:  cfg.Workers,
	}
}

// Subscribe registers h for one event type
func (b *Bus) Subscribe(eventType domain.EventType, h ports.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers h for every event type
func (b *Bus) SubscribeAll(h ports.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Start launches the worker goroutines once
func (b *Bus) Start() {
	b.started.Do(func() {
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go b.work()
		}
		b.logger.Info("Event bus started",
			zap.Int("workers", b.workers),
			zap.Int("queue_size", cap(b.queue)),
		)
	})
}

// Publish enqueues the event. The handlers see a context detached from the
// caller's cancellation so a finished HTTP request does not abort them.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		observability.RecordEventPublished(string(event.Type), "rejected")
		return ErrBusClosed
	}

	select {
	case b.queue <- envelope{ctx: context.WithoutCancel(ctx), event: event}:
		observability.RecordEventPublished(string(event.Type), "queued")
		return nil
	default:
		observability.RecordEventPublished(string(event.Type), "dropped")
		b.logger.Error("Event bus queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
		)
		return ErrBusFull
	}
}

// Shutdown stops accepting events and waits for queued ones to be handled
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.Start()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain: %w", ctx.Err())
	}
}

func (b *Bus) work() {
	defer b.wg.Done()
	for env := range b.queue {
		b.dispatch(env)
	}
}

func (b *Bus) dispatch(env envelope) {
	b.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(b.handlers[env.event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[env.event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.invoke(env, h); err != nil {
			observability.RecordEventPublished(string(env.event.Type), "failed")
			b.logger.Error("Event handler failed",
				zap.Error(err),
				zap.String("event_id", env.event.ID),
				zap.String("event_type", string(env.event.Type)),
				zap.String("session_id", env.event.SessionID),
			)
			continue
		}
		observability.RecordEventPublished(string(env.event.Type), "delivered")
	}
}

func (b *Bus) invoke(env envelope, h ports.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(env.ctx, env.event)
}

// Forward adapts a publisher into a bus handler, e.g. to mirror events to SNS
func Forward(p ports.EventPublisher) ports.EventHandler {
	return func(ctx context.Context, event domain.Event) error {
		return p.Publish(ctx, event)
	}
}
