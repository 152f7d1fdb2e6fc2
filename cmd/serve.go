package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(setup Setup) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run sync and scoring on a schedule and expose /healthz and /metrics",
		Args:  cobra.NoArgs,
		RunE: runWith(setup, func(cmd *cobra.Command, _ []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()
			return serve(cmd.Context(), app, sp)
		}),
	}
}

// taskStatus is the last outcome of one scheduled task.
type taskStatus struct {
	LastRun  time.Time `json:"last_run"`
	Duration string    `json:"duration"`
	Error    string    `json:"error,omitempty"`
}

type scheduler struct {
	app *App

	mu     sync.Mutex
	status map[string]taskStatus
}

func newScheduler(app *App) *scheduler {
	return &scheduler{app: app, status: make(map[string]taskStatus)}
}

// run executes one task and records its outcome.
func (s *scheduler) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	started := time.Now()
	err := fn(ctx)

	st := taskStatus{LastRun: started.UTC(), Duration: time.Since(started).Round(time.Millisecond).String()}
	if err != nil {
		st.Error = err.Error()
		s.app.Metrics.RunFailures.WithLabelValues(name).Inc()
		if s.app.Logger != nil {
			s.app.Logger.Error("scheduled task failed", "task", name, "err", err)
		}
	} else {
		s.app.Metrics.LastRun.WithLabelValues(name).Set(float64(time.Now().Unix()))
	}

	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
}

func (s *scheduler) snapshot() map[string]taskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]taskStatus, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

func newRouter(app *App, sched *scheduler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"tasks":  sched.snapshot(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})))
	return router
}

// addJobs registers the configured schedules. Each run takes the same lease
// as the one-shot commands, so a cron tick never overlaps a manual sync.
func addJobs(ctx context.Context, c *cron.Cron, app *App, sp *spool, sched *scheduler) error {
	cfg := app.Config.Serve

	if cfg.Sync != "" {
		_, err := c.AddFunc(cfg.Sync, func() {
			sched.run(ctx, "sync", func(ctx context.Context) error {
				return withLease(ctx, app, sp, app.Config.Lease.Name, func(ctx context.Context) error {
					return syncMailbox(ctx, app, sp, true)
				})
			})
		})
		if err != nil {
			return fmt.Errorf("schedule sync: %w", err)
		}
	}

	if cfg.Score != "" {
		scorer, err := newScorer(app)
		if err != nil {
			return err
		}
		_, err = c.AddFunc(cfg.Score, func() {
			sched.run(ctx, "score", func(ctx context.Context) error {
				return withLease(ctx, app, sp, scoreLeaseName(app), func(ctx context.Context) error {
					_, err := scorePending(ctx, app, sp, scorer)
					return err
				})
			})
		})
		if err != nil {
			return fmt.Errorf("schedule score: %w", err)
		}
	}
	return nil
}

func serve(ctx context.Context, app *App, sp *spool) error {
	sched := newScheduler(app)

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if err := addJobs(ctx, c, app, sp, sched); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              app.Config.Serve.Addr,
		Handler:           newRouter(app, sched),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	c.Start()
	if app.Logger != nil {
		app.Logger.Info("serving", "addr", srv.Addr, "sync", app.Config.Serve.Sync, "score", app.Config.Serve.Score)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// wait for running jobs before the spool is closed
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("http shutdown: %w", err))
	}
	if app.Logger != nil {
		app.Logger.Info("server stopped")
	}
	return serveErr
}
