package lease

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryLocker keeps leases in process. It only excludes goroutines of one
// process and backs the memory and file state backends.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[name]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[name] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Renew(_ context.Context, name, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[name]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return ErrNotHeld
	}
	m.leases[name] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryLocker) Release(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || cur.owner != owner {
		return ErrNotHeld
	}
	delete(m.leases, name)
	return nil
}
