package imap

import (
	"context"
	"fmt"
	"log/slog"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/jobspool/model"
)

const defaultBatchSize = 50

// SkipFunc reports whether a message is already known, so its body is not
// downloaded again.
type SkipFunc func(ctx context.Context, tid model.TID) (bool, error)

type Fetcher struct {
	opts   Options
	skip   SkipFunc
	logger *slog.Logger
}

func NewFetcher(opts Options, skip SkipFunc, logger *slog.Logger) (*Fetcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Fetcher{opts: opts, skip: skip, logger: logger}, nil
}

// Stream sends every matching message of the mailbox to out. The mailbox is
// opened read-only and bodies are fetched with PEEK, so \Seen is untouched.
func (f *Fetcher) Stream(ctx context.Context, out chan<- model.Envelope) error {
	sess, err := dial(ctx, f.opts, true, f.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	criteria := &imapv2.SearchCriteria{}
	if f.opts.UnseenOnly {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}
	found, err := sess.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("uid search: %w", err)
	}

	uids, err := f.pending(ctx, sess.uidValidity, found.AllUIDs())
	if err != nil {
		return err
	}
	if f.logger != nil {
		f.logger.Info("imap fetch", "mailbox", f.opts.mailbox(), "matched", len(found.AllUIDs()), "new", len(uids))
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchOptions := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	for start := 0; start < len(uids); start += f.opts.BatchSize {
		end := min(start+f.opts.BatchSize, len(uids))
		msgs, err := sess.client.Fetch(imapv2.UIDSetNum(uids[start:end]...), fetchOptions).Collect()
		if err != nil {
			return fmt.Errorf("uid fetch: %w", err)
		}

		for _, buf := range msgs {
			raw := buf.FindBodySection(section)
			if raw == nil {
				if f.logger != nil {
					f.logger.Warn("imap message without body", "uid", buf.UID)
				}
				continue
			}
			msg := model.Message{
				TID:        FormatTID(sess.uidValidity, buf.UID),
				ReceivedAt: buf.InternalDate,
				Size:       int64(len(raw)),
				Raw:        raw,
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- model.Envelope{Message: msg}:
			}
		}
	}
	return nil
}

func (f *Fetcher) pending(ctx context.Context, uidValidity uint32, uids []imapv2.UID) ([]imapv2.UID, error) {
	if f.skip == nil {
		return uids, nil
	}
	out := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		known, err := f.skip(ctx, FormatTID(uidValidity, uid))
		if err != nil {
			return nil, fmt.Errorf("check uid %d: %w", uid, err)
		}
		if !known {
			out = append(out, uid)
		}
	}
	return out, nil
}
