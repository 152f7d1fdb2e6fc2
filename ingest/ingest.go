// Package ingest composes the raw store, identity index, classifier and
// record store into the per-message pipeline, and hands expired messages to
// the deletion side.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/jobspool/classify"
	"github.com/dhcgn/jobspool/filter"
	"github.com/dhcgn/jobspool/identity"
	"github.com/dhcgn/jobspool/jobstore"
	"github.com/dhcgn/jobspool/keylock"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/rawstore"
	"github.com/dhcgn/jobspool/state"
)

// RescorePolicy decides what happens to an existing score when a scored
// record is ingested again under the same key.
type RescorePolicy string

const (
	// RescorePreserve keeps the stored score, rationale and review flag.
	RescorePreserve RescorePolicy = "preserve"
	// RescoreOverwrite replaces the record and queues it for scoring again,
	// unless a human has reviewed the score.
	RescoreOverwrite RescorePolicy = "overwrite"
)

func ParseRescorePolicy(s string) (RescorePolicy, error) {
	switch p := RescorePolicy(s); p {
	case RescorePreserve, RescoreOverwrite:
		return p, nil
	case "":
		return RescorePreserve, nil
	default:
		return "", fmt.Errorf("unknown rescore policy %q", s)
	}
}

// Extractor turns a message into the field bag the classifier consumes.
type Extractor interface {
	Extract(h mail.Header, content []byte) (map[string]string, error)
}

type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRawOnly   Outcome = "raw_only"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeIgnored   Outcome = "ignored"
)

// Result describes what one Ingest call did.
type Result struct {
	TID     model.TID
	AID     model.AID
	Key     string
	Kind    model.Kind
	Outcome Outcome
	// Rebound is set when the AID moved to this TID from another one.
	Rebound bool
}

type Options struct {
	Routing    filter.Routing
	Prefilter  *filter.Filter
	Classifier *classify.Engine
	Extractor  Extractor
	Rescore    RescorePolicy
	Retention  model.RetentionPolicy
	// SweepWorkers bounds sweep parallelism.
	SweepWorkers int
	// Remote reports whether tid names a message that lives in a remote
	// mailbox. Nil treats every TID as local.
	Remote func(tid model.TID) bool
	Now    func() time.Time
}

type Pipeline struct {
	db     state.Store
	locks  *keylock.Map
	raw    *rawstore.Store
	ids    *identity.Index
	jobs   *jobstore.Store
	opts   Options
	logger *slog.Logger
}

func New(db state.Store, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Classifier == nil {
		opts.Classifier = classify.Default
	}
	if opts.Rescore == "" {
		opts.Rescore = RescorePreserve
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	locks := keylock.New()
	ids := identity.New(db, logger)
	return &Pipeline{
		db:     db,
		locks:  locks,
		raw:    rawstore.New(db),
		ids:    ids,
		jobs:   jobstore.New(db, ids, locks, jobstore.Options{Policy: opts.Retention, Workers: opts.SweepWorkers}, logger),
		opts:   opts,
		logger: logger,
	}
}

func (p *Pipeline) Jobs() *jobstore.Store     { return p.jobs }
func (p *Pipeline) Raw() *rawstore.Store      { return p.raw }
func (p *Pipeline) Identity() *identity.Index { return p.ids }
func (p *Pipeline) Locks() *keylock.Map       { return p.locks }

// Seen reports whether tid already has stored bytes.
func (p *Pipeline) Seen(ctx context.Context, tid model.TID) (bool, error) {
	return p.raw.Has(ctx, tid)
}

type prepared struct {
	content    []byte
	header     mail.Header
	headerOK   bool
	aid        model.AID
	key        string
	subject    string
	receivedAt time.Time
	class      classify.Result
}

// Ingest stores msg, binds its identity and writes its record in a single
// transaction under the TID and record locks. Ingesting the same TID with the
// same bytes again changes nothing.
func (p *Pipeline) Ingest(ctx context.Context, msg model.Message) (Result, error) {
	if msg.TID == "" {
		return Result{}, fmt.Errorf("%w: message without tid", model.ErrMalformedInput)
	}
	content := model.StripBOM(msg.Raw)
	if len(content) == 0 {
		return Result{}, fmt.Errorf("%w: message %s is empty", model.ErrMalformedInput, msg.TID.Hex())
	}

	res := Result{TID: msg.TID}

	if p.opts.Prefilter != nil && !p.opts.Prefilter.AllowsMessage(content) {
		res.Outcome = OutcomeFiltered
		return res, nil
	}

	prep := prepared{content: content}
	h, err := identity.Extract(content)
	if err != nil {
		// keep the bytes and a TID-keyed placeholder so nothing is lost
		if p.logger != nil {
			p.logger.Warn("unparsable header block", "tid", msg.TID.Hex(), "err", err)
		}
	} else {
		prep.header = h
		prep.headerOK = true
	}

	action := filter.ActionJob
	if prep.headerOK {
		var rcpt string
		action, rcpt = p.opts.Routing.Route(h)
		if p.logger != nil && rcpt != "" {
			p.logger.Debug("routed message", "tid", msg.TID.Hex(), "recipient", rcpt, "action", action)
		}
	}
	switch action {
	case filter.ActionIgnore:
		res.Outcome = OutcomeIgnored
		return res, nil
	case filter.ActionStore:
		return p.storeRaw(ctx, msg.TID, content)
	}

	if prep.headerOK {
		aid, err := identity.AIDFromHeader(h)
		switch {
		case err == nil:
			prep.aid = aid
		case errors.Is(err, model.ErrNoIdentifier):
			if p.logger != nil {
				p.logger.Debug("message has no Message-Id, tracking by tid", "tid", msg.TID.Hex())
			}
		default:
			return res, err
		}
	}
	prep.key = model.RecordKey(prep.aid, msg.TID)
	res.AID, res.Key = prep.aid, prep.key

	p.prepare(&prep, msg)
	res.Kind = prep.class.Kind

	unlock, err := p.locks.Lock(ctx, "tid:"+msg.TID.Hex(), jobstore.LockKey(prep.key))
	if err != nil {
		return res, err
	}
	defer unlock()

	err = p.db.Update(ctx, func(tx state.Tx) error {
		outcome, rebound, err := p.commit(ctx, tx, msg.TID, prep)
		res.Outcome, res.Rebound = outcome, rebound
		return err
	})
	if err != nil {
		return res, fmt.Errorf("ingest %s: %w", msg.TID.Hex(), err)
	}

	if p.logger != nil {
		p.logger.Debug("ingested message", "tid", msg.TID.Hex(), "key", prep.key, "kind", res.Kind, "outcome", res.Outcome)
	}
	return res, nil
}

// prepare does the pure work outside the transaction.
func (p *Pipeline) prepare(prep *prepared, msg model.Message) {
	var fields map[string]string
	if prep.headerOK {
		if s, err := prep.header.Subject(); err == nil {
			prep.subject = s
		} else {
			prep.subject = prep.header.Get("Subject")
		}
		if date, err := prep.header.Date(); err == nil && !date.IsZero() {
			prep.receivedAt = date
		}
		if p.opts.Extractor != nil {
			extracted, err := p.opts.Extractor.Extract(prep.header, prep.content)
			if err != nil {
				if p.logger != nil {
					p.logger.Warn("field extraction failed", "tid", msg.TID.Hex(), "err", err)
				}
			} else {
				fields = extracted
			}
		}
	}

	if prep.receivedAt.IsZero() {
		prep.receivedAt = msg.ReceivedAt
	}
	if prep.receivedAt.IsZero() {
		prep.receivedAt = p.opts.Now()
	}

	prep.class = p.opts.Classifier.Classify(prep.header, prep.subject, fields)
}

func (p *Pipeline) commit(ctx context.Context, tx state.Tx, tid model.TID, prep prepared) (Outcome, bool, error) {
	raw := p.raw.In(tx)
	ids := p.ids.In(tx)
	jobs := p.jobs.In(tx)

	known, err := raw.Has(ctx, tid)
	if err != nil {
		return "", false, err
	}
	if err := raw.Put(ctx, tid, prep.content); err != nil {
		return "", false, err
	}

	rebound := false
	if prep.aid != "" {
		previous, err := ids.Resolve(ctx, prep.aid)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return "", false, err
		}
		rebound = err == nil && previous != tid
		if _, err := ids.Index(ctx, tid, prep.header); err != nil {
			return "", false, err
		}
	}

	existing, err := jobs.Get(ctx, prep.key)
	found := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return "", false, err
	}
	if found && known && !rebound && existing.TID == tid {
		return OutcomeDuplicate, false, nil
	}

	rec := model.Record{
		Key:        prep.key,
		AID:        prep.aid,
		TID:        tid,
		Kind:       prep.class.Kind,
		ReceivedAt: prep.receivedAt,
		Subject:    prep.subject,
		Payload:    prep.class.Payload,
	}
	if found {
		p.carryScore(existing, &rec)
	}
	if err := jobs.Upsert(ctx, rec); err != nil {
		return "", false, err
	}
	return OutcomeStored, rebound, nil
}

// carryScore applies the rescore policy when a scored record is replaced.
func (p *Pipeline) carryScore(existing model.Record, rec *model.Record) {
	old, ok := existing.Scored()
	if !ok {
		return
	}
	fresh, ok := rec.Scored()
	if !ok {
		return
	}

	if !old.HasScore() {
		// keep the retry bookkeeping so a re-ingest does not reset backoff
		fresh.Attempts = old.Attempts
		fresh.NextAttemptAt = old.NextAttemptAt
		fresh.LastError = old.LastError
		return
	}
	if p.opts.Rescore == RescoreOverwrite && !old.Reviewed {
		return
	}
	fresh.Score = old.Score
	fresh.Rationale = old.Rationale
	fresh.Status = old.Status
	fresh.Reviewed = old.Reviewed
	fresh.Attempts = old.Attempts
}

func (p *Pipeline) storeRaw(ctx context.Context, tid model.TID, content []byte) (Result, error) {
	res := Result{TID: tid, Outcome: OutcomeRawOnly}

	unlock, err := p.locks.Lock(ctx, "tid:"+tid.Hex())
	if err != nil {
		return res, err
	}
	defer unlock()

	known, err := p.raw.Has(ctx, tid)
	if err != nil {
		return res, err
	}
	if err := p.raw.Put(ctx, tid, content); err != nil {
		return res, fmt.Errorf("ingest %s: %w", tid.Hex(), err)
	}
	if known {
		res.Outcome = OutcomeDuplicate
	}
	return res, nil
}

// Sweep expires records and returns the TIDs whose bytes may now be reaped.
func (p *Pipeline) Sweep(ctx context.Context) ([]model.TID, error) {
	return p.jobs.Sweep(ctx, p.opts.Now())
}
