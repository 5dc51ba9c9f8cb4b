package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store/sqlstore"
	"github.com/teleclaude/teleclaude/internal/upgrade"
)

// openStore opens the configured store without migrating it. The caller
// owns the handle.
func openStore() (*sqlstore.DB, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	driver := cfg.Storage.Driver
	dsn := config.ExpandHome(cfg.Storage.Path)
	if driver == sqlstore.DriverPostgres {
		dsn = cfg.Storage.PostgresDSN
		if dsn == "" {
			return nil, fmt.Errorf("TELECLAUDE_POSTGRES_DSN environment variable is not set")
		}
	}
	return sqlstore.Open(driver, dsn)
}

// openMigrator opens the store and builds a migrator over the embedded
// migration set. Close the store handle, never the migrator; closing the
// migrator would take the shared connection down with it.
func openMigrator() (*sqlstore.DB, *migrate.Migrate, error) {
	db, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	m, err := db.Migrator()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, m, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	cmd.AddCommand(migrateGotoCmd())
	cmd.AddCommand(migrateDropCmd())

	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, m, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				return fmt.Errorf("migrate up: %w", err)
			}

			v, dirty, _ := m.Version()
			slog.Info("migration complete", "version", v, "dirty", dirty)

			// Data hooks run after the SQL migrations they depend on.
			count, hookErr := upgrade.RunPendingHooks(cmd.Context(), db.DB.DB)
			if hookErr != nil {
				slog.Warn("data hooks failed", "error", hookErr)
			} else if count > 0 {
				slog.Info("data hooks applied", "count", count)
			}

			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, m, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			if steps <= 0 {
				steps = 1
			}
			if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
				return fmt.Errorf("migrate down: %w", err)
			}

			v, dirty, _ := m.Version()
			slog.Info("rollback complete", "version", v, "dirty", dirty)
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, m, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			v, dirty, err := m.Version()
			if err == migrate.ErrNilVersion {
				fmt.Println("version: none (empty database)")
				return nil
			}
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (no migration applied)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: invalid version %q", errValidation, args[0])
			}
			db, m, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := m.Force(version); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			slog.Info("forced version", "version", version)
			return nil
		},
	}
}

func migrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate to a specific version",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: invalid version %q", errValidation, args[0])
			}
			db, m, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := m.Migrate(uint(version)); err != nil && err != migrate.ErrNoChange {
				return fmt.Errorf("migrate goto: %w", err)
			}
			slog.Info("migrated to version", "version", version)
			return nil
		},
	}
}

func migrateDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables (DANGEROUS)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, m, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := m.Drop(); err != nil {
				return fmt.Errorf("drop: %w", err)
			}
			slog.Info("all tables dropped")
			return nil
		},
	}
}
