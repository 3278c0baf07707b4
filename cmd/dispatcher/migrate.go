package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/notification-dispatcher/internal/config"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres queue schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}
	if cfg.Database.Backend != config.BackendPostgres {
		return fmt.Errorf("migrate requires QUEUE_BACKEND=%s, got %q", config.BackendPostgres, cfg.Database.Backend)
	}

	db, err := openPostgres(cmd.Context(), cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	if err := queue.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
	return nil
}
