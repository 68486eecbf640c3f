package session

import (
	"context"
	"sync"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
)

// MemoryBackend keeps sessions in process memory. A single mutex covers the
// whole read-modify-write of Mutate.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]*domain.FunnelSession
}

var _ ports.SessionBackend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*domain.FunnelSession)}
}

func (b *MemoryBackend) Insert(ctx context.Context, s *domain.FunnelSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessions[s.ID]; exists {
		return domain.ErrSessionExists
	}
	b.sessions[s.ID] = s.Clone()
	return nil
}

func (b *MemoryBackend) Load(ctx context.Context, id string) (*domain.FunnelSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (b *MemoryBackend) Mutate(ctx context.Context, id string, fn ports.MutateFunc) (*domain.FunnelSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	b.sessions[id] = working
	return working.Clone(), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, id)
	return nil
}

func (b *MemoryBackend) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, s := range b.sessions {
		if s.IsExpired(now) {
			delete(b.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored sessions, expired or not
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
