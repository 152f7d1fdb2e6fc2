// Package cmd holds the jobspool subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/config"
	"github.com/dhcgn/jobspool/extract"
	"github.com/dhcgn/jobspool/filter"
	"github.com/dhcgn/jobspool/imap"
	"github.com/dhcgn/jobspool/ingest"
	"github.com/dhcgn/jobspool/lease"
	"github.com/dhcgn/jobspool/state"
	"github.com/dhcgn/jobspool/stats"
)

// App is what every subcommand needs from the root command.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *stats.Metrics
}

// NewApp builds an App with its own metrics registry.
func NewApp(cfg config.Config, logger *slog.Logger) *App {
	reg := prometheus.NewRegistry()
	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  stats.NewMetrics(reg),
	}
}

// Setup loads configuration and logging for cmd. The returned func releases
// whatever Setup opened.
type Setup func(cmd *cobra.Command) (*App, func(), error)

// Register adds every subcommand to root.
func Register(root *cobra.Command, setup Setup) {
	root.AddCommand(
		newIngestMboxCmd(setup),
		newSyncCmd(setup),
		newSweepCmd(setup),
		newScoreCmd(setup),
		newQueryCmd(setup),
		newShowCmd(setup),
		newVerifyCmd(setup),
		newServeCmd(setup),
		newMboxStatsCmd(setup),
	)
}

// runWith wraps a subcommand body with setup and cleanup.
func runWith(setup Setup, fn func(cmd *cobra.Command, args []string, app *App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(cmd, args, app)
	}
}

// spool is an opened store with the pipeline and lease backend built on it.
type spool struct {
	store    state.Store
	pipeline *ingest.Pipeline
	locker   lease.Locker
	closers  []func() error
}

func (s *spool) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// flush syncs buffered commits for stores that buffer them.
func (s *spool) flush() error {
	if f, ok := s.store.(state.Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush state: %w", err)
		}
	}
	return nil
}

// compact gives the space of deleted keys back on stores that only append.
func (s *spool) compact(ctx context.Context) error {
	if c, ok := s.store.(state.Compactor); ok {
		if err := c.Compact(ctx); err != nil {
			return fmt.Errorf("compact state: %w", err)
		}
	}
	return nil
}

// openSpool opens the configured store. A dry run on a database backend uses
// an empty in-memory store so nothing is written; the file backend loads its
// log read-only instead.
func openSpool(ctx context.Context, app *App) (*spool, error) {
	cfg := app.Config

	var (
		store state.Store
		err   error
	)
	if cfg.DryRun && cfg.Storage.Backend != state.BackendFile {
		if app.Logger != nil {
			app.Logger.Warn("dry run: using an empty in-memory store", "backend", cfg.Storage.Backend)
		}
		store = state.NewMemoryStore()
	} else {
		store, err = state.Open(ctx, cfg.StateOptions(), app.Logger)
		if err != nil {
			return nil, fmt.Errorf("open state: %w", err)
		}
	}
	sp := &spool{store: store, closers: []func() error{store.Close}}

	pipeline, err := newPipeline(cfg, store, app.Logger)
	if err != nil {
		sp.Close()
		return nil, err
	}
	sp.pipeline = pipeline

	locker, closeLocker, err := newLocker(ctx, cfg, store)
	if err != nil {
		sp.Close()
		return nil, err
	}
	sp.locker = locker
	if closeLocker != nil {
		sp.closers = append(sp.closers, closeLocker)
	}
	return sp, nil
}

func newPipeline(cfg config.Config, store state.Store, logger *slog.Logger) (*ingest.Pipeline, error) {
	routing, err := cfg.RoutingTable()
	if err != nil {
		return nil, err
	}
	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	var prefilter *filter.Filter
	if opts := cfg.FilterOptions(); !opts.Empty() {
		prefilter, err = filter.New(opts)
		if err != nil {
			return nil, fmt.Errorf("compile filters: %w", err)
		}
	}

	return ingest.New(store, ingest.Options{
		Routing:      routing,
		Prefilter:    prefilter,
		Classifier:   classifier,
		Extractor:    extract.New(logger),
		Rescore:      cfg.RescorePolicy(),
		Retention:    cfg.RetentionPolicy(),
		SweepWorkers: cfg.Workers,
		Remote:       imap.IsRemoteTID,
	}, logger), nil
}

// newLocker keeps leases next to the data they guard. Stores without a shared
// database get a sqlite lease file in the state directory. Dry runs never
// write one.
func newLocker(ctx context.Context, cfg config.Config, store state.Store) (lease.Locker, func() error, error) {
	if cfg.DryRun {
		return lease.NewMemoryLocker(), nil, nil
	}
	switch s := store.(type) {
	case *state.SQLStore:
		locker, err := lease.NewSQLLocker(ctx, s.DB())
		return locker, nil, err
	case *state.RedisStore:
		return lease.NewRedisLocker(s.Client(), cfg.Storage.RedisPrefix+"lease:"), nil, nil
	case *state.MemoryStore:
		return lease.NewMemoryLocker(), nil, nil
	default:
		return lease.OpenSQLiteFile(ctx, filepath.Join(cfg.Storage.Dir, "leases.db"))
	}
}

// withLease runs fn while holding the named lease. fn receives a context that
// is canceled if the lease is lost.
func withLease(ctx context.Context, app *App, sp *spool, name string, fn func(ctx context.Context) error) error {
	l, err := lease.Acquire(ctx, sp.locker, name, app.Config.Lease.TTL, app.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil && app.Logger != nil {
			app.Logger.Warn("lease release failed", "name", name, "err", err)
		}
	}()
	return fn(l.Context())
}

// sweepAndReap expires records and deletes the bytes nothing needs anymore.
// A nil remote only deletes local copies.
func sweepAndReap(ctx context.Context, app *App, sp *spool, remote ingest.Deleter) (ingest.ReapResult, error) {
	started := time.Now()
	tids, err := sp.pipeline.Sweep(ctx)
	for _, tid := range tids {
		app.Metrics.Observe(stats.Event{Stage: stats.StageSweep, Type: stats.EventTypeSwept, TID: tid.Hex()})
	}
	if err != nil {
		// partially swept TIDs are still reaped below
		app.Metrics.Observe(stats.Event{Stage: stats.StageSweep, Type: stats.EventTypeError, Err: err})
		if app.Logger != nil {
			app.Logger.Error("sweep incomplete", "swept", len(tids), "err", err)
		}
	}

	if app.Config.DryRun {
		if app.Logger != nil {
			app.Logger.Info("dry run: skipping reap", "candidates", len(tids))
		}
		return ingest.ReapResult{}, err
	}

	res, reapErr := sp.pipeline.Reap(ctx, tids, remote)
	for _, tid := range res.Deleted {
		app.Metrics.Observe(stats.Event{Stage: stats.StageReap, Type: stats.EventTypeReaped, TID: tid.Hex()})
	}
	if reapErr != nil {
		app.Metrics.Observe(stats.Event{Stage: stats.StageReap, Type: stats.EventTypeError, Err: reapErr})
	}
	var compactErr error
	if len(tids) > 0 || len(res.Deleted) > 0 {
		compactErr = sp.compact(ctx)
	}
	if app.Logger != nil {
		app.Logger.Info("sweep finished",
			"swept", len(tids),
			"reaped", len(res.Deleted),
			"kept", len(res.Kept),
			"missing", len(res.Missing),
			"duration", time.Since(started),
		)
	}
	return res, errors.Join(err, reapErr, compactErr)
}
