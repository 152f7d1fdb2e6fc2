package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/imap"
	"github.com/dhcgn/jobspool/ingest"
	"github.com/dhcgn/jobspool/runner"
	"github.com/dhcgn/jobspool/stats"
)

func newSyncCmd(setup Setup) *cobra.Command {
	var noDelete bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new mail over IMAP, ingest it, then sweep and reap",
		Args:  cobra.NoArgs,
		RunE: runWith(setup, func(cmd *cobra.Command, _ []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()

			return withLease(cmd.Context(), app, sp, app.Config.Lease.Name, func(ctx context.Context) error {
				return syncMailbox(ctx, app, sp, !noDelete)
			})
		}),
	}
	cmd.Flags().BoolVar(&noDelete, "no-delete", false, "Reap local bytes only and leave the mailbox untouched")
	return cmd
}

// syncMailbox is one full cycle against the configured mailbox. The caller
// holds the lease.
func syncMailbox(ctx context.Context, app *App, sp *spool, deleteRemote bool) error {
	opts := app.Config.IMAPOptions(ctx)
	fetcher, err := imap.NewFetcher(opts, sp.pipeline.Seen, app.Logger)
	if err != nil {
		return fmt.Errorf("imap.NewFetcher: %w", err)
	}

	r := runner.New(ctx, sp.pipeline, runner.Options{Workers: app.Config.Workers}, app.Logger)
	stats.NewReporter(r, app.Logger)
	r.SubscribeStats("metrics", app.Metrics.Subscriber)
	r.AddSource("imap", fetcher)
	if err := errors.Join(r.Start(), sp.flush()); err != nil {
		return err
	}

	var remote ingest.Deleter
	if deleteRemote {
		deleter, err := imap.NewDeleter(opts, app.Logger)
		if err != nil {
			return fmt.Errorf("imap.NewDeleter: %w", err)
		}
		remote = deleter
	}
	_, err = sweepAndReap(ctx, app, sp, remote)
	return err
}

func newSweepCmd(setup Setup) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire records past retention and delete bytes nothing refers to",
		Args:  cobra.NoArgs,
		RunE: runWith(setup, func(cmd *cobra.Command, _ []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()

			var deleter ingest.Deleter
			if remote {
				d, err := imap.NewDeleter(app.Config.IMAPOptions(cmd.Context()), app.Logger)
				if err != nil {
					return fmt.Errorf("imap.NewDeleter: %w", err)
				}
				deleter = d
			}

			return withLease(cmd.Context(), app, sp, app.Config.Lease.Name, func(ctx context.Context) error {
				res, err := sweepAndReap(ctx, app, sp, deleter)
				fmt.Fprintf(cmd.OutOrStdout(), "reaped %d, kept %d, missing %d\n", len(res.Deleted), len(res.Kept), len(res.Missing))
				return err
			})
		}),
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Also delete the messages from the IMAP mailbox")
	return cmd
}
