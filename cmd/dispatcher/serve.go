package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/notification-dispatcher/internal/config"
	"github.com/LeventeLantos/notification-dispatcher/internal/logger"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the dispatch schedulers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("paused", false, "start with the dispatch scheduler stopped")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(logger.ParseLevel(cfg.Log.Level), cfg.Log.File)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	if paused, _ := cmd.Flags().GetBool("paused"); !paused {
		a.dispatch.Start()
	}
	a.housekeeping.Start()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("notification dispatcher started",
		"addr", cfg.Server.Address,
		"backend", cfg.Database.Backend,
		"interval", cfg.Scheduler.Interval,
		"batch", cfg.Scheduler.BatchSize,
		"workers", cfg.Scheduler.Workers,
		"redis", cfg.Redis.Enabled,
		"email_provider", cfg.Email.Provider,
		"sms_provider", cfg.SMS.Provider,
	)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	return nil
}
