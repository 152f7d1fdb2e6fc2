// Package keylock provides per-key mutual exclusion. Work on distinct keys
// proceeds in parallel; work on the same key is serialized.
package keylock

import (
	"context"
	"slices"
	"sync"
)

type entry struct {
	// sem has capacity one; holding the token is holding the lock
	sem  chan struct{}
	refs int
}

// Map hands out locks by key and forgets keys nobody holds or waits for.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires every key in sorted order and returns a function releasing
// them all. Duplicate keys are acquired once. It returns ctx.Err() without
// holding anything if the context ends first.
func (m *Map) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if err := m.acquire(ctx, key); err != nil {
			m.releaseAll(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.releaseAll(held) })
	}, nil
}

func (m *Map) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(key, e)
		return ctx.Err()
	}
}

func (m *Map) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.mu.Lock()
		e := m.entries[keys[i]]
		m.mu.Unlock()
		<-e.sem
		m.unref(keys[i], e)
	}
}

func (m *Map) unref(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
