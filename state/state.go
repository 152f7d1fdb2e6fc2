// Package state provides the key-value namespaces the spool persists into.
// Every backend offers point reads and writes, iteration, and an Update
// transaction whose writes commit together or not at all.
package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dhcgn/jobspool/model"
)

// Namespace names one independently addressable key space.
type Namespace string

const (
	NamespaceRaw  Namespace = "raw"
	NamespaceAID  Namespace = "aid"
	NamespaceJobs Namespace = "jobs"
	NamespaceRefs Namespace = "refs"
)

// Namespaces lists every namespace the spool uses.
var Namespaces = []Namespace{NamespaceRaw, NamespaceAID, NamespaceJobs, NamespaceRefs}

// Tx is the set of point operations available both directly on a Store and
// inside an Update. Get and Delete return model.ErrNotFound for absent keys.
type Tx interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
	Delete(ctx context.Context, ns Namespace, key string) error
}

// Store is a persistent key-value store.
type Store interface {
	Tx
	// Iterate calls fn for every key in ns. fn may write to the store.
	Iterate(ctx context.Context, ns Namespace, fn func(key string, value []byte) error) error
	// Update runs fn and commits its writes atomically. A non-nil error from
	// fn discards every write.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Compactor is implemented by stores that keep deleted data on disk until
// they are rewritten.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Flusher is implemented by stores whose commits are not yet synced to disk.
type Flusher interface {
	Flush() error
}

type op struct {
	NS     Namespace
	Key    string
	Value  []byte
	Delete bool
}

// opJSON carries the key as bytes: keys may hold arbitrary transport
// identifiers and a JSON string would mangle invalid UTF-8.
type opJSON struct {
	NS     Namespace `json:"ns"`
	Key    []byte    `json:"key"`
	Value  []byte    `json:"value,omitempty"`
	Delete bool      `json:"del,omitempty"`
}

func (o op) MarshalJSON() ([]byte, error) {
	return json.Marshal(opJSON{NS: o.NS, Key: []byte(o.Key), Value: o.Value, Delete: o.Delete})
}

func (o *op) UnmarshalJSON(data []byte) error {
	var wire opJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*o = op{NS: wire.NS, Key: string(wire.Key), Value: wire.Value, Delete: wire.Delete}
	if !o.Delete && o.Value == nil {
		o.Value = []byte{}
	}
	return nil
}

type nsKey struct {
	ns  Namespace
	key string
}

// bufferedTx collects writes in memory and reads through to the backend for
// keys it has not touched. Backends without native transactions commit the
// collected ops in one atomic step.
type bufferedTx struct {
	read    func(ctx context.Context, ns Namespace, key string) ([]byte, error)
	ops     []op
	pending map[nsKey]int
}

func newBufferedTx(read func(ctx context.Context, ns Namespace, key string) ([]byte, error)) *bufferedTx {
	return &bufferedTx{read: read, pending: make(map[nsKey]int)}
}

func (t *bufferedTx) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if idx, ok := t.pending[nsKey{ns, key}]; ok {
		o := t.ops[idx]
		if o.Delete {
			return nil, fmt.Errorf("%s/%s: %w", ns, key, model.ErrNotFound)
		}
		return cloneBytes(o.Value), nil
	}
	return t.read(ctx, ns, key)
}

func (t *bufferedTx) Put(_ context.Context, ns Namespace, key string, value []byte) error {
	t.record(op{NS: ns, Key: key, Value: cloneBytes(value)})
	return nil
}

func (t *bufferedTx) Delete(ctx context.Context, ns Namespace, key string) error {
	if _, err := t.Get(ctx, ns, key); err != nil {
		return err
	}
	t.record(op{NS: ns, Key: key, Delete: true})
	return nil
}

func (t *bufferedTx) record(o op) {
	t.pending[nsKey{o.NS, o.Key}] = len(t.ops)
	t.ops = append(t.ops, o)
}

func notFound(ns Namespace, key string) error {
	return fmt.Errorf("%s/%s: %w", ns, key, model.ErrNotFound)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
