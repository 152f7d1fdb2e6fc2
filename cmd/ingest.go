package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/mbox"
	"github.com/dhcgn/jobspool/progress"
	"github.com/dhcgn/jobspool/runner"
	"github.com/dhcgn/jobspool/stats"
)

func newIngestMboxCmd(setup Setup) *cobra.Command {
	var sweep bool

	cmd := &cobra.Command{
		Use:   "ingest-mbox <mbox file|->",
		Short: "Ingest every message of an mbox file into the spool",
		Args:  cobra.ExactArgs(1),
		RunE: runWith(setup, func(cmd *cobra.Command, args []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()

			return withLease(cmd.Context(), app, sp, app.Config.Lease.Name, func(ctx context.Context) error {
				if _, err := ingestMbox(ctx, app, sp, args[0], true); err != nil {
					return err
				}
				if !sweep {
					return nil
				}
				_, err := sweepAndReap(ctx, app, sp, nil)
				return err
			})
		}),
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Expire records and delete unreferenced local bytes afterwards")
	return cmd
}

// ingestMbox runs the pipeline over one mbox file. The bar is only shown for
// regular files at info level.
func ingestMbox(ctx context.Context, app *App, sp *spool, path string, showProgress bool) (stats.Summary, error) {
	var bar *progress.Bar
	if showProgress && path != mbox.Stdin {
		total, err := mbox.CountMessages(path)
		if err != nil {
			return stats.Summary{}, err
		}
		bar = progress.New(total, 0, app.Config.Log.Level)
	}

	r := runner.New(ctx, sp.pipeline, runner.Options{Workers: app.Config.Workers}, app.Logger)
	reporter := stats.NewReporter(r, app.Logger)
	r.SubscribeStats("metrics", app.Metrics.Subscriber)
	progress.NewProgressReporter(r, bar, app.Logger)

	if _, err := mbox.NewProducer(mbox.Options{Path: path}, r, app.Logger); err != nil {
		return stats.Summary{}, fmt.Errorf("mbox.NewProducer: %w", err)
	}

	err := r.Start()
	return reporter.Summary(), errors.Join(err, sp.flush())
}
