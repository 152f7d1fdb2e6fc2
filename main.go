package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/cmd"
	"github.com/dhcgn/jobspool/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "jobspool",
		Short:        "Spool job mail from IMAP or mbox into classified, expiring records",
		SilenceUsage: true,
	}
	config.RegisterFlags(rootCmd)
	cmd.Register(rootCmd, setupApp)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func setupApp(c *cobra.Command) (*cmd.App, func(), error) {
	cfg, err := config.Load(c)
	if err != nil {
		return nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg.Log.Level, cfg.Log.Dir)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	logger.Info("starting jobspool", "command", c.Name(), "backend", cfg.Storage.Backend, "dryRun", cfg.DryRun)

	return cmd.NewApp(cfg, logger), func() { _ = cleanup() }, nil
}

func setupLogger(logLevel, logDir string) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch logLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(logDir, fmt.Sprintf("jobspool-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
