package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/jobspool/model"
)

// Deleter removes messages from the mailbox they were fetched from.
type Deleter struct {
	opts   Options
	logger *slog.Logger
}

func NewDeleter(opts Options, logger *slog.Logger) (*Deleter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Deleter{opts: opts, logger: logger}, nil
}

// Delete flags the messages \Deleted and expunges them. It returns the TIDs
// that no longer exist remotely: the expunged ones and those issued under an
// older UIDVALIDITY, which cannot name a current message. Malformed TIDs are
// reported and never confirmed. Flagged messages that could not be expunged
// are not confirmed either.
func (d *Deleter) Delete(ctx context.Context, tids []model.TID) ([]model.TID, error) {
	if len(tids) == 0 {
		return nil, nil
	}

	sess, err := dial(ctx, d.opts, false, d.logger)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	current, stale, errs := partition(sess.uidValidity, tids)
	if d.logger != nil && len(stale) > 0 {
		d.logger.Info("imap uidvalidity changed, treating old ids as gone", "count", len(stale), "uidValidity", sess.uidValidity)
	}

	gone := stale
	if len(current) > 0 {
		uids := make([]imapv2.UID, 0, len(current))
		for _, c := range current {
			uids = append(uids, c.uid)
		}
		set := imapv2.UIDSetNum(uids...)

		store := &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagDeleted},
		}
		if err := sess.client.Store(set, store, nil).Close(); err != nil {
			return gone, errors.Join(append(errs, fmt.Errorf("uid store: %w", err))...)
		}

		switch chooseExpunge(sess.client.Caps(), d.opts.ExpungeAll) {
		case expungeUIDs:
			err = sess.client.UIDExpunge(set).Close()
		case expungeMailbox:
			if d.logger != nil {
				d.logger.Warn("imap server lacks UIDPLUS, expunging every \\Deleted message", "mailbox", d.opts.mailbox())
			}
			err = sess.client.Expunge().Close()
		default:
			if d.logger != nil {
				d.logger.Warn("imap server lacks UIDPLUS, messages stay flagged until expunged elsewhere", "mailbox", d.opts.mailbox(), "flagged", len(current))
			}
			return gone, errors.Join(errs...)
		}
		if err != nil {
			return gone, errors.Join(append(errs, fmt.Errorf("expunge: %w", err))...)
		}

		for _, c := range current {
			gone = append(gone, c.tid)
		}
	}

	if d.logger != nil {
		d.logger.Info("imap delete", "mailbox", d.opts.mailbox(), "requested", len(tids), "gone", len(gone))
	}
	return gone, errors.Join(errs...)
}

type expungeMode int

const (
	expungeNone expungeMode = iota
	expungeUIDs
	expungeMailbox
)

// chooseExpunge picks UID EXPUNGE when the server has it. A plain EXPUNGE
// also removes messages other clients flagged, so it needs expungeAll.
func chooseExpunge(caps imapv2.CapSet, expungeAll bool) expungeMode {
	switch {
	case caps.Has(imapv2.CapUIDPlus):
		return expungeUIDs
	case expungeAll:
		return expungeMailbox
	default:
		return expungeNone
	}
}

type remoteID struct {
	tid model.TID
	uid imapv2.UID
}

func partition(uidValidity uint32, tids []model.TID) (current []remoteID, stale []model.TID, errs []error) {
	for _, tid := range tids {
		validity, uid, err := ParseTID(tid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if validity != uidValidity {
			stale = append(stale, tid)
			continue
		}
		current = append(current, remoteID{tid: tid, uid: uid})
	}
	return current, stale, errs
}
