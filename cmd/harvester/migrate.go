package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/jobs"
	"github.com/shehryarbajwa/claimharvest/internal/queue"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the postgres tables for the job store and task queue",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is not set")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := jobs.NewPostgresFromPool(pool).Migrate(ctx); err != nil {
		return err
	}
	if err := queue.NewPostgres(pool, cfg.Queue).Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
