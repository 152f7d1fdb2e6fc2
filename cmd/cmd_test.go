package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/jobspool/classify"
	"github.com/dhcgn/jobspool/config"
	"github.com/dhcgn/jobspool/extract"
	"github.com/dhcgn/jobspool/filter"
	"github.com/dhcgn/jobspool/jobstore"
	"github.com/dhcgn/jobspool/lease"
	"github.com/dhcgn/jobspool/mbox"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/scoring"
	"github.com/dhcgn/jobspool/state"
)

// The second message has no Date header, so it is received "now" and
// survives a sweep; the other two are long past retention.
const sampleMbox = `From alerts@jobserve.example Mon Jun 24 08:00:00 2024
From: JobServe <alerts@jobserve.example>
To: jobs@example.com
Message-ID: <a1@jobserve.example>
Subject: Job Alert: Go Engineer
Date: Mon, 24 Jun 2024 08:00:00 +0000

Go engineer wanted in Leeds.

From alerts@jobserve.example Tue Jun 25 08:00:00 2024
From: JobServe <alerts@jobserve.example>
To: jobs@example.com
Message-ID: <a2@jobserve.example>
Subject: Job Suggestion: Rust Engineer

Rust engineer, remote.

From applications@jobserve.example Wed Jun 26 08:00:00 2024
From: JobServe <applications@jobserve.example>
To: jobs@example.com
Message-ID: <A3@JobServe.Example>
Subject: Application Confirmation
Date: Wed, 26 Jun 2024 10:30:00 +0200

Your application has been sent.
`

func testApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = state.BackendMemory
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "error"
	}
	if cfg.Lease.Name == "" {
		cfg.Lease.Name = "jobspool-test"
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = time.Minute
	}
	return NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testSpool(t *testing.T, app *App) *spool {
	t.Helper()
	sp, err := openSpool(context.Background(), app)
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })
	return sp
}

func writeMbox(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(sampleMbox), 0o600))
	return path
}

func TestIngestMbox_StoresAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{})
	sp := testSpool(t, app)
	path := writeMbox(t)

	sum, err := ingestMbox(ctx, app, sp, path, true)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 3, sum.Stored)
	assert.Equal(t, map[string]int{"scored": 2, "application": 1}, sum.Kinds)
	assert.InDelta(t, 2, testutil.ToFloat64(app.Metrics.RecordsStored.WithLabelValues("scored")), 0)

	again, err := ingestMbox(ctx, app, sp, path, false)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Duplicates)
	assert.Zero(t, again.Stored)

	rep, err := sp.pipeline.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Records)
	assert.Equal(t, 3, rep.Identities)
}

func TestIngestMbox_MissingFile(t *testing.T) {
	app := testApp(t, config.Config{})
	sp := testSpool(t, app)

	_, err := ingestMbox(context.Background(), app, sp, filepath.Join(t.TempDir(), "nope.mbox"), true)
	assert.Error(t, err)
}

func TestQueryOutput(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{})
	sp := testSpool(t, app)
	_, err := ingestMbox(ctx, app, sp, writeMbox(t), false)
	require.NoError(t, err)

	recs, err := sp.pipeline.Jobs().Query(ctx, jobstore.Filter{Kinds: []model.Kind{model.KindApplication}})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	var buf bytes.Buffer
	require.NoError(t, writeRecordsJSON(&buf, recs))
	var views []recordView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "<a3@jobserve.example>", views[0].Key)
	assert.Equal(t, model.KindApplication, views[0].Kind)
	assert.Equal(t, time.Date(2024, 6, 26, 8, 30, 0, 0, time.UTC), views[0].ReceivedAt)

	all, err := sp.pipeline.Jobs().Query(ctx, jobstore.Filter{})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, writeRecordsTable(&buf, all))
	assert.Contains(t, buf.String(), "Job Alert: Go Engineer")
	assert.Contains(t, buf.String(), "Application Confirmation")

	buf.Reset()
	require.NoError(t, writeRecordsTable(&buf, nil))
	assert.Equal(t, "no records\n", buf.String())
}

func TestQueryFlags(t *testing.T) {
	f, err := queryFlags{kinds: []string{"scored", " application"}, since: "2024-06-24", until: "2024-06-25", limit: 5}.filter()
	require.NoError(t, err)
	assert.Equal(t, []model.Kind{model.KindScored, model.KindApplication}, f.Kinds)
	assert.Equal(t, time.Date(2024, 6, 24, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2024, 6, 25, 23, 59, 59, 999999999, time.UTC), f.To)
	assert.Equal(t, 5, f.Limit)

	f, err = queryFlags{since: "2024-06-24T08:00:00+02:00"}.filter()
	require.NoError(t, err)
	assert.True(t, f.From.Equal(time.Date(2024, 6, 24, 6, 0, 0, 0, time.UTC)))

	_, err = queryFlags{until: "last tuesday"}.filter()
	assert.Error(t, err)
}

func TestShowMessage(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{})
	sp := testSpool(t, app)
	_, err := ingestMbox(ctx, app, sp, writeMbox(t), false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, showMessage(ctx, sp, " a3@jobserve.example ", false, &buf))
	var view recordView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	assert.Equal(t, model.KindApplication, view.Kind)

	buf.Reset()
	require.NoError(t, showMessage(ctx, sp, "<A1@JOBSERVE.EXAMPLE>", true, &buf))
	assert.Contains(t, buf.String(), "Subject: Job Alert: Go Engineer")

	err = showMessage(ctx, sp, "<unknown@example.com>", false, &buf)
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = showMessage(ctx, sp, "<>", false, &buf)
	assert.ErrorIs(t, err, model.ErrMalformedInput)
}

func TestSweepAndReap_LocalOnly(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{})
	sp := testSpool(t, app)
	_, err := ingestMbox(ctx, app, sp, writeMbox(t), false)
	require.NoError(t, err)

	res, err := sweepAndReap(ctx, app, sp, nil)
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 2)
	assert.InDelta(t, 2, testutil.ToFloat64(app.Metrics.Events.WithLabelValues("sweep", "swept")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(app.Metrics.Events.WithLabelValues("reap", "reaped")), 0)

	left, err := sp.pipeline.Jobs().Query(ctx, jobstore.Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "<a2@jobserve.example>", left[0].Key)

	mem := sp.store.(*state.MemoryStore)
	assert.Equal(t, 1, mem.Len(state.NamespaceRaw))
}

func TestSweepAndReap_FileBackendShrinksLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	log := filepath.Join(dir, "spool.jsonl")
	app := testApp(t, config.Config{Storage: config.StorageConfig{Backend: state.BackendFile, Dir: dir}})

	sp, err := openSpool(ctx, app)
	require.NoError(t, err)
	_, err = ingestMbox(ctx, app, sp, writeMbox(t), false)
	require.NoError(t, err)
	before, err := os.Stat(log)
	require.NoError(t, err)

	res, err := sweepAndReap(ctx, app, sp, nil)
	require.NoError(t, err)
	require.Len(t, res.Deleted, 2)
	after, err := os.Stat(log)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())
	require.NoError(t, sp.Close())

	reopened := testSpool(t, app)
	left, err := reopened.pipeline.Jobs().Query(ctx, jobstore.Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "<a2@jobserve.example>", left[0].Key)
}

func TestSweepAndReap_DryRunKeepsBytes(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{DryRun: true})
	sp := testSpool(t, app)
	_, err := ingestMbox(ctx, app, sp, writeMbox(t), false)
	require.NoError(t, err)

	res, err := sweepAndReap(ctx, app, sp, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, 3, sp.store.(*state.MemoryStore).Len(state.NamespaceRaw))
}

func TestOpenSpool_DryRunDatabaseBackendUsesMemory(t *testing.T) {
	dir := t.TempDir()
	app := testApp(t, config.Config{
		Storage: config.StorageConfig{Backend: state.BackendSQLite, Dir: dir},
		DryRun:  true,
	})
	sp := testSpool(t, app)

	assert.IsType(t, &state.MemoryStore{}, sp.store)
	assert.IsType(t, &lease.MemoryLocker{}, sp.locker)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a dry run must not create files")
}

func TestOpenSpool_FileBackendLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	app := testApp(t, config.Config{Storage: config.StorageConfig{Backend: state.BackendFile, Dir: dir}})
	sp := testSpool(t, app)

	assert.FileExists(t, filepath.Join(dir, "leases.db"))

	ran := false
	err := withLease(ctx, app, sp, "sync", func(ctx context.Context) error {
		ran = true
		_, err := lease.Acquire(ctx, sp.locker, "sync", time.Minute, nil)
		assert.ErrorIs(t, err, lease.ErrHeld)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	l, err := lease.Acquire(ctx, sp.locker, "sync", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestScorePending(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{})
	sp := testSpool(t, app)
	_, err := ingestMbox(ctx, app, sp, writeMbox(t), false)
	require.NoError(t, err)

	var subjects []string
	scorer := scoring.ScorerFunc(func(_ context.Context, req scoring.Request) (scoring.Response, error) {
		subjects = append(subjects, req.Subject)
		return scoring.Response{Score: 7, Rationale: "good fit"}, nil
	})
	app.Config.Scoring.Workers = 1

	sum, err := scorePending(ctx, app, sp, scorer)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Scored)
	assert.ElementsMatch(t, []string{"Job Alert: Go Engineer", "Job Suggestion: Rust Engineer"}, subjects)
	assert.InDelta(t, 2, testutil.ToFloat64(app.Metrics.Events.WithLabelValues("score", "scored")), 0)

	rec, err := sp.pipeline.Jobs().Get(ctx, "<a1@jobserve.example>")
	require.NoError(t, err)
	scored, ok := rec.Scored()
	require.True(t, ok)
	require.NotNil(t, scored.Score)
	assert.Equal(t, 7, *scored.Score)
}

func TestNewScorer_RequiresURL(t *testing.T) {
	_, err := newScorer(testApp(t, config.Config{}))
	assert.Error(t, err)

	s, err := newScorer(testApp(t, config.Config{Scoring: config.ScoringConfig{URL: "http://localhost:9/score"}}))
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestServeRouter(t *testing.T) {
	ctx := context.Background()
	app := testApp(t, config.Config{})
	sched := newScheduler(app)
	sched.run(ctx, "sync", func(context.Context) error { return errors.New("imap down") })
	sched.run(ctx, "score", func(context.Context) error { return nil })

	assert.InDelta(t, 1, testutil.ToFloat64(app.Metrics.RunFailures.WithLabelValues("sync")), 0)
	assert.Positive(t, testutil.ToFloat64(app.Metrics.LastRun.WithLabelValues("score")))

	router := newRouter(app, sched)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string                `json:"status"`
		Tasks  map[string]taskStatus `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "imap down", body.Tasks["sync"].Error)
	assert.Empty(t, body.Tasks["score"].Error)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobspool_run_failures_total")
}

func TestAddJobs(t *testing.T) {
	app := testApp(t, config.Config{Serve: config.ServeConfig{Sync: "*/5 * * * *"}})
	sp := testSpool(t, app)

	c := cron.New()
	require.NoError(t, addJobs(context.Background(), c, app, sp, newScheduler(app)))
	assert.Len(t, c.Entries(), 1)

	app.Config.Serve.Score = "@hourly"
	assert.Error(t, addJobs(context.Background(), cron.New(), app, sp, newScheduler(app)), "score schedule without a scoring url")

	app.Config.Scoring.URL = "http://localhost:9/score"
	c = cron.New()
	require.NoError(t, addJobs(context.Background(), c, app, sp, newScheduler(app)))
	assert.Len(t, c.Entries(), 2)
}

func TestAnalyzer(t *testing.T) {
	f, err := filter.New(filter.Options{ExcludeHeader: []string{"Application Confirmation"}})
	require.NoError(t, err)
	a := newAnalyzer(f, classify.Default, extract.New(nil))

	require.NoError(t, mbox.ReadFrom(strings.NewReader(sampleMbox), func(m *mbox.MboxMessage) error {
		a.add(m)
		return nil
	}))

	assert.Equal(t, 2, a.matched)
	assert.Equal(t, 1, a.skipped)
	assert.Equal(t, map[string]int{"scored": 2}, a.counter[kindColumn])
	assert.Equal(t, 2, a.counter["To"]["jobs@example.com"])

	var buf bytes.Buffer
	a.print(&buf, 5, false)
	out := buf.String()
	assert.Contains(t, out, "Processed 2 messages (skipped 1 by filters, 33.33%)")
	assert.Contains(t, out, "Exclude Header Filters:")
	assert.Contains(t, out, "✓ Application Confirmation: 1 hits")
	assert.Contains(t, out, "Top 5 Kind:\n1. scored (2)")

	dir := t.TempDir()
	require.NoError(t, saveCSVReports(a.counter, a.columns(), dir, 1000))
	data, err := os.ReadFile(filepath.Join(dir, "report_kind.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Value,Count\nscored,2\n", string(data))
	assert.FileExists(t, filepath.Join(dir, "report_delivered_to.csv"))
}

func TestPrintFilterHits(t *testing.T) {
	var buf bytes.Buffer
	printFilterHits(&buf, []string{"b", "a", "c"}, map[string]int{"c": 3})
	assert.Equal(t, "  ✓ c: 3 hits\n  ✗ a: 0 hits\n  ✗ b: 0 hits\n", buf.String())
}
