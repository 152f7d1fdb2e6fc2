package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/scoring"
	"github.com/dhcgn/jobspool/stats"
)

func newScoreCmd(setup Setup) *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Send pending scored records to the scoring endpoint",
		Args:  cobra.NoArgs,
		RunE: runWith(setup, func(cmd *cobra.Command, _ []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()

			scorer, err := newScorer(app)
			if err != nil {
				return err
			}
			return withLease(cmd.Context(), app, sp, scoreLeaseName(app), func(ctx context.Context) error {
				sum, err := scorePending(ctx, app, sp, scorer)
				fmt.Fprintf(cmd.OutOrStdout(), "scored %d, deferred %d, skipped %d\n", sum.Scored, sum.Deferred, sum.Skipped)
				return err
			})
		}),
	}
}

// scoreLeaseName keeps scoring from blocking a sync of the same spool.
func scoreLeaseName(app *App) string {
	return app.Config.Lease.Name + "-score"
}

func newScorer(app *App) (scoring.Scorer, error) {
	if app.Config.Scoring.URL == "" {
		return nil, errors.New("scoring.url is not configured")
	}
	return scoring.NewHTTPScorer(app.Config.Scoring.URL, app.Config.Scoring.Token, app.Config.Scoring.Timeout), nil
}

func scorePending(ctx context.Context, app *App, sp *spool, scorer scoring.Scorer) (scoring.Summary, error) {
	profile, err := app.Config.Profile()
	if err != nil {
		return scoring.Summary{}, err
	}

	retry := scoring.DefaultRetryConfig()
	if app.Config.Scoring.MaxAttempts > 0 {
		retry.MaxAttempts = app.Config.Scoring.MaxAttempts
	}

	worker := scoring.NewWorker(sp.pipeline.Jobs(), sp.pipeline.Locks(), scorer, scoring.Options{
		Profile: profile,
		Retry:   retry,
		RPS:     app.Config.Scoring.RPS,
		Burst:   app.Config.Scoring.Burst,
		Workers: app.Config.Scoring.Workers,
		Limit:   app.Config.Scoring.Limit,
	}, app.Logger)

	sum, err := worker.Run(ctx)
	app.Metrics.Events.WithLabelValues(string(stats.StageScore), string(stats.EventTypeScored)).Add(float64(sum.Scored))
	app.Metrics.Events.WithLabelValues(string(stats.StageScore), string(stats.EventTypeDeferred)).Add(float64(sum.Deferred))
	return sum, errors.Join(err, sp.flush())
}
