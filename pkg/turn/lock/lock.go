// Package lock provides per-conversation mutual exclusion for turns.
package lock

import (
	"context"
	"sync"

	"github.com/nstogner/backrooms/pkg/domain"
)

// Locker grants exclusive use of a key without waiting.
type Locker interface {
	// TryLock acquires key or returns domain.ErrTurnInProgress if it is
	// already held. The returned func releases the lock and is safe to call
	// more than once.
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) TryLock(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, domain.ErrTurnInProgress
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}
