// Package jobstore persists classification results keyed by AID (or by a
// synthetic TID key when a message has none), answers secondary lookups and
// enforces per-kind retention.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/dhcgn/jobspool/identity"
	"github.com/dhcgn/jobspool/keylock"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

// LockKey is the keylock name guarding a record. Ingest, sweep and scoring
// all take it before touching the record.
func LockKey(recordKey string) string {
	return "rec:" + recordKey
}

type Options struct {
	Policy model.RetentionPolicy
	// Workers bounds how many records a sweep deletes concurrently.
	Workers int
}

type Store struct {
	db     state.Store
	tx     state.Tx
	ids    *identity.Index
	locks  *keylock.Map
	opts   Options
	logger *slog.Logger
}

func New(db state.Store, ids *identity.Index, locks *keylock.Map, opts Options, logger *slog.Logger) *Store {
	if opts.Policy == nil {
		opts.Policy = model.DefaultRetentionPolicy()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Store{db: db, ids: ids, locks: locks, opts: opts, logger: logger}
}

// In returns a view whose point operations join tx instead of opening their
// own transaction.
func (s *Store) In(tx state.Tx) *Store {
	view := *s
	view.tx = tx
	return &view
}

func (s *Store) Policy() model.RetentionPolicy { return s.opts.Policy }

func (s *Store) update(ctx context.Context, fn func(tx state.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.Update(ctx, fn)
}

func (s *Store) reader() state.Tx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Upsert writes rec, replacing any record under the same key, and keeps the
// source_ref index in step.
func (s *Store) Upsert(ctx context.Context, rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key, err)
	}

	return s.update(ctx, func(tx state.Tx) error {
		previous, err := getRecord(ctx, tx, rec.Key)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			return err
		default:
			if ref := previous.SourceRef(); ref != "" && ref != rec.SourceRef() {
				if err := removeRef(ctx, tx, ref, rec.Key); err != nil {
					return err
				}
			}
		}

		if err := tx.Put(ctx, state.NamespaceJobs, rec.Key, data); err != nil {
			return fmt.Errorf("put record %s: %w", rec.Key, err)
		}
		if ref := rec.SourceRef(); ref != "" {
			return addRef(ctx, tx, ref, rec.Key)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, key string) (model.Record, error) {
	return getRecord(ctx, s.reader(), key)
}

// Delete removes the record with its source_ref and identity entries and
// returns the TIDs it released for reaping. Raw bytes are left alone. The
// caller holds the record lock, as Sweep does.
func (s *Store) Delete(ctx context.Context, key string) ([]model.TID, error) {
	var released []model.TID
	err := s.update(ctx, func(tx state.Tx) error {
		rec, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		released, err = removeRecord(ctx, tx, s.ids, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Filter selects records. Zero values do not constrain; set conditions are
// ANDed.
type Filter struct {
	From      time.Time
	To        time.Time
	Keyword   string
	SourceRef string
	Kinds     []model.Kind
	Limit     int
}

func (f Filter) match(rec model.Record, keyword string, fold func(string) string) bool {
	if !f.From.IsZero() && rec.ReceivedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.ReceivedAt.After(f.To) {
		return false
	}
	if f.SourceRef != "" && rec.SourceRef() != f.SourceRef {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, rec.Kind) {
		return false
	}
	return rec.Matches(keyword, fold)
}

// Query returns matching records ordered by ReceivedAt, then key. A
// SourceRef condition is answered from the refs index instead of a scan.
func (s *Store) Query(ctx context.Context, f Filter) ([]model.Record, error) {
	caser := cases.Fold()
	keyword := caser.String(strings.TrimSpace(f.Keyword))

	var out []model.Record
	collect := func(rec model.Record) {
		if f.match(rec, keyword, caser.String) {
			out = append(out, rec)
		}
	}

	if f.SourceRef != "" {
		keys, err := refKeys(ctx, s.reader(), f.SourceRef)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rec, err := s.Get(ctx, key)
			if errors.Is(err, model.ErrNotFound) {
				return nil, fmt.Errorf("%w: ref %s lists missing record %s", model.ErrInvariantViolation, f.SourceRef, key)
			}
			if err != nil {
				return nil, err
			}
			collect(rec)
		}
	} else {
		err := s.db.Iterate(ctx, state.NamespaceJobs, func(key string, value []byte) error {
			rec, err := decodeRecord(key, value)
			if err != nil {
				return err
			}
			collect(rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Pending returns scored records still waiting for a score whose next
// attempt is due at now.
func (s *Store) Pending(ctx context.Context, now time.Time) ([]model.Record, error) {
	var out []model.Record
	err := s.db.Iterate(ctx, state.NamespaceJobs, func(key string, value []byte) error {
		rec, err := decodeRecord(key, value)
		if err != nil {
			return err
		}
		scored, ok := rec.Scored()
		if !ok || scored.Status != model.ScorePending {
			return nil
		}
		if scored.NextAttemptAt.IsZero() || !scored.NextAttemptAt.After(now) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []model.Record) {
	slices.SortFunc(recs, func(a, b model.Record) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}

func getRecord(ctx context.Context, kv state.Tx, key string) (model.Record, error) {
	data, err := kv.Get(ctx, state.NamespaceJobs, key)
	if err != nil {
		return model.Record{}, fmt.Errorf("record %s: %w", key, err)
	}
	return decodeRecord(key, data)
}

func decodeRecord(key string, data []byte) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, fmt.Errorf("%w: decode record %s: %v", model.ErrInvariantViolation, key, err)
	}
	if rec.Key != key {
		return model.Record{}, fmt.Errorf("%w: record stored under %s claims key %s", model.ErrInvariantViolation, key, rec.Key)
	}
	return rec, nil
}

func deleteRecord(ctx context.Context, tx state.Tx, key string) error {
	rec, err := getRecord(ctx, tx, key)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, state.NamespaceJobs, key); err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	if ref := rec.SourceRef(); ref != "" {
		return removeRef(ctx, tx, ref, key)
	}
	return nil
}

func refKeys(ctx context.Context, kv state.Tx, ref string) ([]string, error) {
	data, err := kv.Get(ctx, state.NamespaceRefs, ref)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ref %s: %w", ref, err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: decode ref %s: %v", model.ErrInvariantViolation, ref, err)
	}
	return keys, nil
}

func addRef(ctx context.Context, tx state.Tx, ref, key string) error {
	keys, err := refKeys(ctx, tx, ref)
	if err != nil {
		return err
	}
	idx, found := slices.BinarySearch(keys, key)
	if found {
		return nil
	}
	keys = slices.Insert(keys, idx, key)
	return putRef(ctx, tx, ref, keys)
}

func removeRef(ctx context.Context, tx state.Tx, ref, key string) error {
	keys, err := refKeys(ctx, tx, ref)
	if err != nil {
		return err
	}
	idx, found := slices.BinarySearch(keys, key)
	if !found {
		return nil
	}
	keys = slices.Delete(keys, idx, idx+1)
	if len(keys) == 0 {
		return tx.Delete(ctx, state.NamespaceRefs, ref)
	}
	return putRef(ctx, tx, ref, keys)
}

func putRef(ctx context.Context, tx state.Tx, ref string, keys []string) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode ref %s: %w", ref, err)
	}
	if err := tx.Put(ctx, state.NamespaceRefs, ref, data); err != nil {
		return fmt.Errorf("put ref %s: %w", ref, err)
	}
	return nil
}
