package state

import (
	"context"
	"sync/atomic"
)

// Counts is a snapshot of the operations a CountingStore has seen.
type Counts struct {
	Gets, Puts, Deletes, Iterates int64
}

// CountingStore wraps a Store and counts point operations, including those
// made inside Update. Tests use it to assert lookups stay O(1).
type CountingStore struct {
	Store
	gets, puts, deletes, iterates atomic.Int64
}

func NewCountingStore(inner Store) *CountingStore {
	return &CountingStore{Store: inner}
}

func (c *CountingStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, ns, key)
}

func (c *CountingStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	c.puts.Add(1)
	return c.Store.Put(ctx, ns, key, value)
}

func (c *CountingStore) Delete(ctx context.Context, ns Namespace, key string) error {
	c.deletes.Add(1)
	return c.Store.Delete(ctx, ns, key)
}

func (c *CountingStore) Iterate(ctx context.Context, ns Namespace, fn func(key string, value []byte) error) error {
	c.iterates.Add(1)
	return c.Store.Iterate(ctx, ns, fn)
}

func (c *CountingStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return c.Store.Update(ctx, func(tx Tx) error {
		return fn(&countingTx{tx: tx, parent: c})
	})
}

// Counts returns the totals so far.
func (c *CountingStore) Counts() Counts {
	return Counts{
		Gets:     c.gets.Load(),
		Puts:     c.puts.Load(),
		Deletes:  c.deletes.Load(),
		Iterates: c.iterates.Load(),
	}
}

// Reset zeroes every counter.
func (c *CountingStore) Reset() {
	c.gets.Store(0)
	c.puts.Store(0)
	c.deletes.Store(0)
	c.iterates.Store(0)
}

type countingTx struct {
	tx     Tx
	parent *CountingStore
}

func (t *countingTx) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	t.parent.gets.Add(1)
	return t.tx.Get(ctx, ns, key)
}

func (t *countingTx) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	t.parent.puts.Add(1)
	return t.tx.Put(ctx, ns, key, value)
}

func (t *countingTx) Delete(ctx context.Context, ns Namespace, key string) error {
	t.parent.deletes.Add(1)
	return t.tx.Delete(ctx, ns, key)
}
