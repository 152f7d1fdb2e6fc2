package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/jobspool/ingest"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/stats"
)

type fakeIngester struct {
	mu       sync.Mutex
	seen     map[model.TID]bool
	ingested []model.TID
	errs     map[model.TID]error
}

func newFakeIngester(seen ...model.TID) *fakeIngester {
	f := &fakeIngester{seen: map[model.TID]bool{}, errs: map[model.TID]error{}}
	for _, tid := range seen {
		f.seen[tid] = true
	}
	return f
}

func (f *fakeIngester) Seen(_ context.Context, tid model.TID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[tid], nil
}

func (f *fakeIngester) Ingest(_ context.Context, msg model.Message) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[msg.TID]; err != nil {
		return ingest.Result{}, err
	}
	f.ingested = append(f.ingested, msg.TID)
	outcome := ingest.OutcomeStored
	if msg.TID == "raw" {
		outcome = ingest.OutcomeRawOnly
	}
	return ingest.Result{TID: msg.TID, Key: string(msg.TID), Kind: model.KindScored, Outcome: outcome}, nil
}

func source(r *Runner, envs ...model.Envelope) {
	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- env:
			}
		}
		return nil
	})
}

func msgs(tids ...model.TID) []model.Envelope {
	out := make([]model.Envelope, 0, len(tids))
	for _, tid := range tids {
		out = append(out, model.Envelope{Message: model.Message{TID: tid, Raw: []byte("x")}})
	}
	return out
}

func TestRunner_IngestsAndDedups(t *testing.T) {
	ing := newFakeIngester("old")
	r := New(context.Background(), ing, Options{Workers: 3}, nil)
	source(r, msgs("a", "b", "old", "c", "raw")...)

	reporter := stats.NewReporter(r, nil)
	require.NoError(t, r.Start())

	s := reporter.Summary()
	assert.Equal(t, 5, s.Scanned)
	assert.Equal(t, 4, s.Enqueued)
	assert.Equal(t, 3, s.Stored)
	assert.Equal(t, 1, s.RawOnly)
	assert.Equal(t, 1, s.Duplicates)
	assert.ElementsMatch(t, []model.TID{"a", "b", "c", "raw"}, ing.ingested)
}

func TestRunner_EverySubscriberSeesEveryEvent(t *testing.T) {
	r := New(context.Background(), newFakeIngester(), Options{Workers: 2}, nil)

	var tids []model.TID
	for i := 0; i < 50; i++ {
		tids = append(tids, model.TID(fmt.Sprintf("m%02d", i)))
	}
	source(r, msgs(tids...)...)

	first := stats.NewReporter(r, nil)
	second := stats.NewReporter(r, nil)
	require.NoError(t, r.Start())

	assert.Equal(t, 50, first.Summary().Stored)
	assert.Equal(t, first.Summary(), second.Summary())
}

func TestRunner_MalformedMessageDoesNotStopRun(t *testing.T) {
	ing := newFakeIngester()
	ing.errs["bad"] = fmt.Errorf("%w: no header", model.ErrMalformedInput)
	ing.errs["conflict"] = model.ErrAlreadyExists

	r := New(context.Background(), ing, Options{Workers: 1}, nil)
	source(r, msgs("a", "bad", "conflict", "b")...)
	reporter := stats.NewReporter(r, nil)

	require.NoError(t, r.Start())
	s := reporter.Summary()
	assert.Equal(t, 2, s.Stored)
	assert.Equal(t, 2, s.Errors)
}

func TestRunner_StoreFailureStopsRun(t *testing.T) {
	boom := errors.New("disk full")
	ing := newFakeIngester()
	ing.errs["a"] = boom

	r := New(context.Background(), ing, Options{Workers: 1}, nil)
	source(r, msgs("a", "b", "c")...)

	err := r.Start()
	require.ErrorIs(t, err, boom)
}

func TestRunner_FetchErrorStopsRun(t *testing.T) {
	boom := errors.New("connection reset")
	r := New(context.Background(), newFakeIngester(), Options{Workers: 1}, nil)
	source(r, model.Envelope{Err: boom})

	err := r.Start()
	require.ErrorIs(t, err, boom)
}

func TestRunner_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, newFakeIngester(), Options{}, nil)
	r.AddStage("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	err := r.Start()
	assert.ErrorIs(t, err, context.Canceled)
}
