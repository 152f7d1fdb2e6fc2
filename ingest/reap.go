package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dhcgn/jobspool/identity"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

// Deleter removes messages from the remote mailbox. It returns the TIDs that
// are confirmed gone, which may be fewer than requested.
type Deleter interface {
	Delete(ctx context.Context, tids []model.TID) ([]model.TID, error)
}

// ReapResult lists what Reap did per TID.
type ReapResult struct {
	Deleted []model.TID
	// Kept holds TIDs left alone: their bytes are still referenced, or a
	// mailbox still holds the message and was not asked to delete it.
	Kept []model.TID
	// Missing holds TIDs that had no local copy.
	Missing []model.TID
}

// Reap deletes the local bytes of swept TIDs. TIDs that name a message in a
// remote mailbox (Options.Remote) are deleted there first and only confirmed
// ones are deleted locally. Without a remote Deleter those TIDs are kept, so
// a later fetch does not download them again. Other TIDs, like those of mbox
// files, are deleted locally right away.
func (p *Pipeline) Reap(ctx context.Context, tids []model.TID, remote Deleter) (ReapResult, error) {
	var res ReapResult
	if len(tids) == 0 {
		return res, nil
	}

	var local, held []model.TID
	for _, tid := range tids {
		if p.opts.Remote != nil && p.opts.Remote(tid) {
			held = append(held, tid)
		} else {
			local = append(local, tid)
		}
	}

	confirmed := local
	var remoteErr error
	switch {
	case len(held) == 0:
	case remote == nil:
		res.Kept = append(res.Kept, held...)
	default:
		gone, err := remote.Delete(ctx, held)
		if err != nil {
			remoteErr = fmt.Errorf("remote delete: %w", err)
		}
		confirmed = append(confirmed, gone...)
	}

	var errs []error
	if remoteErr != nil {
		errs = append(errs, remoteErr)
	}
	for _, tid := range confirmed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		outcome, err := p.reapOne(ctx, tid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch outcome {
		case reapDeleted:
			res.Deleted = append(res.Deleted, tid)
		case reapKept:
			res.Kept = append(res.Kept, tid)
		case reapMissing:
			res.Missing = append(res.Missing, tid)
		}
	}

	if p.logger != nil {
		p.logger.Info("reap finished", "requested", len(tids), "deleted", len(res.Deleted), "kept", len(res.Kept), "missing", len(res.Missing))
	}
	return res, errors.Join(errs...)
}

type reapOutcome int

const (
	reapDeleted reapOutcome = iota
	reapKept
	reapMissing
)

// reapOne deletes tid unless a live record still points at it. A message can
// be re-ingested between sweep and reap, so the reference check runs again
// under the tid lock.
func (p *Pipeline) reapOne(ctx context.Context, tid model.TID) (reapOutcome, error) {
	unlock, err := p.locks.Lock(ctx, "tid:"+tid.Hex())
	if err != nil {
		return 0, err
	}
	defer unlock()

	var outcome reapOutcome
	err = p.db.Update(ctx, func(tx state.Tx) error {
		raw := p.raw.In(tx)
		content, err := raw.Get(ctx, tid)
		if errors.Is(err, model.ErrNotFound) {
			outcome = reapMissing
			return nil
		}
		if err != nil {
			return err
		}

		referenced, err := p.referenced(ctx, tx, tid, content)
		if err != nil {
			return err
		}
		if referenced {
			outcome = reapKept
			return nil
		}

		outcome = reapDeleted
		return raw.Delete(ctx, tid)
	})
	if err != nil {
		return 0, fmt.Errorf("reap %s: %w", tid.Hex(), err)
	}
	return outcome, nil
}

func (p *Pipeline) referenced(ctx context.Context, tx state.Tx, tid model.TID, content []byte) (bool, error) {
	jobs := p.jobs.In(tx)
	if _, err := jobs.Get(ctx, model.RecordKey("", tid)); err == nil {
		return true, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	h, err := identity.Extract(content)
	if err != nil {
		return false, nil
	}
	aid, err := identity.AIDFromHeader(h)
	if err != nil {
		return false, nil
	}
	entry, err := p.ids.In(tx).Lookup(ctx, aid)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return slices.Contains(entry.TIDs(), tid), nil
}
