package claim

import (
	"context"
	"sync"
	"time"

	"github.com/ticnsp/eaas/internal/liturgy"
)

type lease struct {
	owner   uint64
	expires time.Time
}

// Memory is an in-process Claimer for tests and single-worker setups.
type Memory struct {
	mu     sync.Mutex
	leases map[string]lease
	next   uint64
	now    func() time.Time
}

var _ liturgy.Claimer = (*Memory)(nil)

// NewMemory builds a Memory claimer. clock may be nil.
func NewMemory(clock liturgy.Clock) *Memory {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Memory{leases: make(map[string]lease), now: now}
}

// Claim takes the lease unless an unexpired one exists.
func (m *Memory) Claim(_ context.Context, key string, d time.Duration) (liturgy.ReleaseFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, ok := m.leases[key]; ok && now.Before(held.expires) {
		return nil, liturgy.ErrClaimed
	}
	m.next++
	owner := m.next
	m.leases[key] = lease{owner: owner, expires: now.Add(d)}

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if held, ok := m.leases[key]; ok && held.owner == owner {
			delete(m.leases, key)
		}
		return nil
	}, nil
}
