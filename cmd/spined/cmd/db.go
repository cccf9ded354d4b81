package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/unioslo/spine/internal/db/bunx"
	"github.com/unioslo/spine/internal/migrations"
	"github.com/uptrace/bun/migrate"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing database migrations and schema.`,
}

// withMigrator opens the configured database and hands fn a migrator over it.
func withMigrator(ctx context.Context, fn func(*migrate.Migrator) error) error {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer bunx.Close(db)

	return fn(migrate.NewMigrator(db, migrations.Migrations))
}

// locked runs fn while holding the migration lock.
func locked(ctx context.Context, migrator *migrate.Migrator, fn func() error) error {
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to release migration lock")
		}
	}()
	return fn()
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	Long:  `Creates the migration tracking tables in the database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(migrator *migrate.Migrator) error {
			if err := migrator.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			log.Info().Msg("Migration tables initialized")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending migrations to the database with locking to prevent concurrent migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(migrator *migrate.Migrator) error {
			if err := migrator.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			return locked(ctx, migrator, func() error {
				group, err := migrator.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				if group.IsZero() {
					log.Info().Msg("No new migrations to apply")
				} else {
					log.Info().Int64("group", group.ID).Msg("Applied migration group")
				}
				return nil
			})
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Displays the current migration status and pending migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(migrator *migrate.Migrator) error {
			ms, err := migrator.MigrationsWithStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Println("Migrations:")
			for _, m := range ms {
				status := "pending"
				if m.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", m.GroupID)
				}
				fmt.Printf("  %s: %s\n", m.Name, status)
			}
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	Long:  `Rolls back the most recently applied migration group with locking to prevent concurrent operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(migrator *migrate.Migrator) error {
			return locked(ctx, migrator, func() error {
				group, err := migrator.Rollback(ctx)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				if group.IsZero() {
					log.Info().Msg("No migrations to rollback")
				} else {
					log.Info().Int64("group", group.ID).Msg("Rolled back migration group")
				}
				return nil
			})
		})
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	rootCmd.AddCommand(dbCmd)
}
