package jobstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/jobspool/identity"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

// Sweep deletes every record older than its kind's threshold and returns the
// TIDs whose raw bytes are no longer referenced: the current binding plus any
// superseded ones. Raw content itself is never deleted here.
//
// Each record is removed together with its identity entry in one
// transaction under the record's lock. A record whose identity entry is
// missing is left in place and reported as model.ErrInvariantViolation; the
// sweep carries on with the rest. On cancellation the TIDs of records already
// removed are still returned.
func (s *Store) Sweep(ctx context.Context, now time.Time) ([]model.TID, error) {
	var candidates []string
	var errs []error
	err := s.db.Iterate(ctx, state.NamespaceJobs, func(key string, value []byte) error {
		rec, err := decodeRecord(key, value)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if s.opts.Policy.Expired(rec, now) {
			candidates = append(candidates, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}

	var (
		mu   sync.Mutex
		tids []model.TID
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, key := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return nil
			}
			released, err := s.sweepOne(gctx, key, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				errs = append(errs, err)
				return nil
			}
			tids = append(tids, released...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	slices.Sort(tids)
	tids = slices.Compact(tids)

	if s.logger != nil {
		s.logger.Info("sweep finished", "candidates", len(candidates), "released", len(tids), "errors", len(errs))
	}
	return tids, errors.Join(errs...)
}

func (s *Store) sweepOne(ctx context.Context, key string, now time.Time) ([]model.TID, error) {
	unlock, err := s.locks.Lock(ctx, LockKey(key))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		released []model.TID
		kind     model.Kind
	)
	err = s.db.Update(ctx, func(tx state.Tx) error {
		released = nil

		// re-check under the lock: an ingest may have replaced the record
		rec, err := getRecord(ctx, tx, key)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !s.opts.Policy.Expired(rec, now) {
			return nil
		}
		kind = rec.Kind

		released, err = removeRecord(ctx, tx, s.ids, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(released) > 0 && s.logger != nil {
		s.logger.Debug("record expired", "key", key, "kind", kind, "tids", len(released))
	}
	return released, nil
}

// removeRecord deletes rec, its source_ref entry and its identity entry, and
// returns the TIDs whose bytes nothing refers to anymore.
func removeRecord(ctx context.Context, tx state.Tx, ids *identity.Index, rec model.Record) ([]model.TID, error) {
	var released []model.TID
	if rec.AID != "" {
		idx := ids.In(tx)
		entry, err := idx.Lookup(ctx, rec.AID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: record %s has no identity entry", model.ErrInvariantViolation, rec.Key)
		}
		if err != nil {
			return nil, err
		}
		if err := idx.Remove(ctx, rec.AID); err != nil {
			return nil, err
		}
		released = entry.TIDs()
	} else {
		if rec.TID == "" {
			return nil, fmt.Errorf("%w: record %s has neither aid nor tid", model.ErrInvariantViolation, rec.Key)
		}
		released = []model.TID{rec.TID}
	}
	return released, deleteRecord(ctx, tx, rec.Key)
}
