package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"donut-notifier/internal/storage/migrations"
	pgstore "donut-notifier/internal/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded PostgreSQL and ClickHouse migrations",
	Long: `Applies the embedded schema to every database with a configured DSN
(storage.postgres_dsn, storage.clickhouse_dsn). Migrations are idempotent.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	sc := cfg.Storage
	if sc.PostgresDSN == "" && sc.ClickhouseDSN == "" {
		return errors.New("no database configured: set storage.postgres_dsn or storage.clickhouse_dsn")
	}

	ctx := cmd.Context()

	if sc.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, sc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	if sc.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, sc.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}
		defer conn.Close()
		logger.Info("clickhouse migrations applied")
	}

	return nil
}
