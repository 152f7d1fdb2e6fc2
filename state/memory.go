package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps every namespace in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Namespace]map[string][]byte

	// txMu serializes Update calls so a transaction's reads and its commit
	// see no other transaction in between.
	txMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Namespace]map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, ns Namespace, key string) ([]byte, error) {
	m.mu.RLock()
	value, ok := m.data[ns][key]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(ns, key)
	}
	return cloneBytes(value), nil
}

func (m *MemoryStore) Put(_ context.Context, ns Namespace, key string, value []byte) error {
	m.apply([]op{{NS: ns, Key: key, Value: cloneBytes(value)}})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[ns][key]; !ok {
		return notFound(ns, key)
	}
	delete(m.data[ns], key)
	return nil
}

func (m *MemoryStore) Iterate(ctx context.Context, ns Namespace, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := m.Get(ctx, ns, k)
		if err != nil {
			// removed since the snapshot
			continue
		}
		if err := fn(k, value); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := newBufferedTx(m.Get)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.apply(tx.ops)
	return nil
}

// Len returns the number of keys in ns.
func (m *MemoryStore) Len(ns Namespace) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[ns])
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) apply(ops []op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range ops {
		bucket, ok := m.data[o.NS]
		if !ok {
			bucket = make(map[string][]byte)
			m.data[o.NS] = bucket
		}
		if o.Delete {
			delete(bucket, o.Key)
			continue
		}
		bucket[o.Key] = o.Value
	}
}
