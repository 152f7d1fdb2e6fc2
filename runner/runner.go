// Package runner wires a message source to the ingest pipeline. Stages run
// concurrently; the first stage error cancels the rest.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/jobspool/ingest"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/stats"
)

// Ingester is the part of ingest.Pipeline the runner drives.
type Ingester interface {
	Seen(ctx context.Context, tid model.TID) (bool, error)
	Ingest(ctx context.Context, msg model.Message) (ingest.Result, error)
}

type StageFunc func(context.Context) error

// Source produces envelopes until it is exhausted.
type Source interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

type Options struct {
	// Workers is the number of concurrent ingest workers.
	Workers int
	Buffer  int
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

type Runner struct {
	ingester Ingester
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	work     chan model.Message

	stages      []stage
	subscribers []*subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeWorkOnce    sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(parent context.Context, ingester Ingester, opts Options, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	ctx, cancel := context.WithCancel(parent)

	r := &Runner{
		ingester: ingester,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, opts.Buffer),
		work:     make(chan model.Message, opts.Buffer),
	}

	r.AddStage("bridge", r.bridge)
	for i := 0; i < opts.Workers; i++ {
		r.AddStage(fmt.Sprintf("ingest-%d", i), r.ingest)
	}
	return r
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive its own copy of the event stream.
// Subscribers must be registered before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, 128),
	})
}

// AddStage registers fn to run when Start is called.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// AddSource registers src as the fetch stage. The mailbox channel is closed
// when src returns.
func (r *Runner) AddSource(name string, src Source) {
	r.AddStage(name, func(ctx context.Context) error {
		defer r.CloseMailbox()
		return src.Stream(ctx, r.messages)
	})
}

// Start runs all stages and subscribers and blocks until they are done.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	if err == nil && r.ctx.Err() != nil {
		err = r.ctx.Err()
	}
	r.cancel()

	duration := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("pipeline failed", "duration", duration, "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("pipeline completed", "duration", duration)
	}
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeWork()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: envelope.Err})
				r.fail(fmt.Errorf("fetch envelope: %w", envelope.Err))
				continue
			}

			msg := envelope.Message
			tid := msg.TID.Hex()
			r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeScanned, TID: tid})

			seen, err := r.ingester.Seen(ctx, msg.TID)
			if err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, TID: tid, Err: err})
				return fmt.Errorf("check %s: %w", tid, err)
			}
			if seen {
				r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDuplicate, TID: tid})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.work <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeEnqueued, TID: tid})
			}
		}
	}
}

func (r *Runner) ingest(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.work:
			if !ok {
				return nil
			}
			if err := r.ingestOne(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) ingestOne(ctx context.Context, msg model.Message) error {
	tid := msg.TID.Hex()
	res, err := r.ingester.Ingest(ctx, msg)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeError, TID: tid, Err: err})
		// bad input and conflicting bytes only affect this message
		if errors.Is(err, model.ErrMalformedInput) || errors.Is(err, model.ErrAlreadyExists) {
			if r.logger != nil {
				r.logger.Warn("message skipped", "tid", tid, "err", err)
			}
			return nil
		}
		return fmt.Errorf("ingest %s: %w", tid, err)
	}

	evt := stats.Event{Stage: stats.StageIngest, TID: tid, Key: res.Key, Kind: string(res.Kind)}
	switch res.Outcome {
	case ingest.OutcomeStored:
		evt.Type = stats.EventTypeStored
	case ingest.OutcomeDuplicate:
		evt.Type = stats.EventTypeDuplicate
	case ingest.OutcomeRawOnly:
		evt.Type = stats.EventTypeRawOnly
	case ingest.OutcomeFiltered:
		evt.Type = stats.EventTypeFiltered
	case ingest.OutcomeIgnored:
		evt.Type = stats.EventTypeIgnored
	default:
		evt.Type = stats.EventTypeError
		evt.Err = fmt.Errorf("unknown ingest outcome %q", res.Outcome)
	}
	r.EmitEvent(evt)
	if res.Rebound {
		r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeRebound, TID: tid, Key: res.Key})
	}
	return nil
}

func (r *Runner) closeWork() {
	r.closeWorkOnce.Do(func() {
		close(r.work)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
