package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dhcgn/jobspool/jobstore"
	"github.com/dhcgn/jobspool/keylock"
	"github.com/dhcgn/jobspool/model"
)

type Options struct {
	Profile  string
	Retry    RetryConfig
	Schedule Schedule
	// RPS limits calls to the scorer; zero means unlimited.
	RPS     float64
	Burst   int
	Workers int
	// Limit caps how many records one Run scores; zero means all due.
	Limit int
	Now   func() time.Time
}

// Summary counts the outcome of one Run.
type Summary struct {
	Scored   int
	Deferred int
	Skipped  int
}

type Worker struct {
	jobs    *jobstore.Store
	locks   *keylock.Map
	scorer  Scorer
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
}

func NewWorker(jobs *jobstore.Store, locks *keylock.Map, scorer Scorer, opts Options, logger *slog.Logger) *Worker {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = DefaultSchedule
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	burst := opts.Burst
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		if burst <= 0 {
			burst = max(1, int(opts.RPS))
		}
	}

	return &Worker{
		jobs:    jobs,
		locks:   locks,
		scorer:  scorer,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
		logger:  logger,
	}
}

// Run scores every due pending record. Scorer failures never fail the run:
// the record stays pending with its next attempt pushed out. Only store
// errors and cancellation are returned.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	pending, err := w.jobs.Pending(ctx, w.opts.Now())
	if err != nil {
		return sum, fmt.Errorf("list pending: %w", err)
	}
	if w.opts.Limit > 0 && len(pending) > w.opts.Limit {
		pending = pending[:w.opts.Limit]
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)

	for _, rec := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := w.scoreOne(gctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			switch outcome {
			case outcomeScored:
				sum.Scored++
			case outcomeDeferred:
				sum.Deferred++
			default:
				sum.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if w.logger != nil {
		w.logger.Info("scoring finished", "due", len(pending), "scored", sum.Scored, "deferred", sum.Deferred, "skipped", sum.Skipped)
	}
	return sum, errors.Join(errs...)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeScored
	outcomeDeferred
)

func (w *Worker) scoreOne(ctx context.Context, rec model.Record) (outcome, error) {
	scored, ok := rec.Scored()
	if !ok || scored.Reviewed {
		return outcomeSkipped, nil
	}

	req := Request{Key: rec.Key, Subject: rec.Subject, Fields: scored.Fields, Profile: w.opts.Profile}
	var resp Response
	callErr := Retry(ctx, w.opts.Retry, func() error {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		resp, err = w.scorer.Score(ctx, req)
		return err
	})
	if callErr != nil && ctx.Err() != nil {
		return outcomeSkipped, ctx.Err()
	}

	unlock, err := w.locks.Lock(ctx, jobstore.LockKey(rec.Key))
	if err != nil {
		return outcomeSkipped, err
	}
	defer unlock()

	// the record may have been swept or replaced while the scorer ran
	current, err := w.jobs.Get(ctx, rec.Key)
	if errors.Is(err, model.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	cur, ok := current.Scored()
	if !ok || current.TID != rec.TID || cur.HasScore() || cur.Reviewed {
		return outcomeSkipped, nil
	}

	result := outcomeScored
	if callErr != nil {
		cur.Attempts++
		cur.LastError = callErr.Error()
		cur.NextAttemptAt = w.opts.Schedule.Next(cur.Attempts, w.opts.Now())
		result = outcomeDeferred
		if w.logger != nil {
			w.logger.Warn("scoring deferred", "key", rec.Key, "attempts", cur.Attempts, "next", cur.NextAttemptAt, "err", callErr)
		}
	} else {
		cur.SetScore(resp.Score, resp.Rationale)
		if w.logger != nil {
			w.logger.Debug("scored record", "key", rec.Key, "score", *cur.Score)
		}
	}

	if err := w.jobs.Upsert(ctx, current); err != nil {
		return outcomeSkipped, err
	}
	return result, nil
}
