package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"orangecat/governance/internal/config"
	"orangecat/governance/internal/store"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply every pending migration from GOVERN_MIGRATIONS_DIR in version order.
With --down, roll every applied migration back instead.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back all applied migrations")
	migrateCmd.GroupID = "ops"
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrate needs the postgres store, GOVERN_STORE is %q", cfg.Store)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	if migrateDown {
		if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back all migrations")
		return nil
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
	return nil
}
