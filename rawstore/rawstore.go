// Package rawstore keeps the immutable bytes of every fetched message keyed
// by transport identifier. It never looks inside the content.
package rawstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

type Store struct {
	kv state.Tx
}

func New(kv state.Tx) *Store {
	return &Store{kv: kv}
}

// In returns a view of the store whose operations run inside tx.
func (s *Store) In(tx state.Tx) *Store {
	return &Store{kv: tx}
}

// Put stores content under tid. Re-putting identical content is a no-op;
// different content under a known tid is model.ErrAlreadyExists. Callers
// hold the tid's lock so the check and the write are not interleaved.
func (s *Store) Put(ctx context.Context, tid model.TID, content []byte) error {
	if tid == "" {
		return fmt.Errorf("%w: empty tid", model.ErrMalformedInput)
	}
	content = model.StripBOM(content)

	existing, err := s.kv.Get(ctx, state.NamespaceRaw, string(tid))
	switch {
	case err == nil:
		if bytes.Equal(existing, content) {
			return nil
		}
		return fmt.Errorf("raw %s: %w", tid.Hex(), model.ErrAlreadyExists)
	case errors.Is(err, model.ErrNotFound):
	default:
		return fmt.Errorf("raw lookup %s: %w", tid.Hex(), err)
	}

	if err := s.kv.Put(ctx, state.NamespaceRaw, string(tid), content); err != nil {
		return fmt.Errorf("raw put %s: %w", tid.Hex(), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tid model.TID) ([]byte, error) {
	content, err := s.kv.Get(ctx, state.NamespaceRaw, string(tid))
	if err != nil {
		return nil, fmt.Errorf("raw get %s: %w", tid.Hex(), err)
	}
	return content, nil
}

// Fetch is Get returning the message together with its identifier.
func (s *Store) Fetch(ctx context.Context, tid model.TID) (model.RawMessage, error) {
	content, err := s.Get(ctx, tid)
	if err != nil {
		return model.RawMessage{}, err
	}
	return model.RawMessage{TID: tid, Content: content}, nil
}

// Has reports whether tid is stored.
func (s *Store) Has(ctx context.Context, tid model.TID) (bool, error) {
	_, err := s.kv.Get(ctx, state.NamespaceRaw, string(tid))
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("raw lookup %s: %w", tid.Hex(), err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, tid model.TID) error {
	if err := s.kv.Delete(ctx, state.NamespaceRaw, string(tid)); err != nil {
		return fmt.Errorf("raw delete %s: %w", tid.Hex(), err)
	}
	return nil
}
