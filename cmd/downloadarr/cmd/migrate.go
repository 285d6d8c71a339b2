package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/database"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long:  `Apply, roll back, or inspect database schema migrations.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		target, _ := cmd.Flags().GetString("to")
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.Migrator) error {
			return m.UpTo(ctx, target)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Long: `Roll back the most recent migration, or with --to every migration
newer than the given version.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		target, _ := cmd.Flags().GetString("to")
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.Migrator) error {
			if cmd.Flags().Changed("to") {
				return m.DownTo(ctx, target)
			}
			return m.Down(ctx)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *migrations.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tDESCRIPTION\tAPPLIED")
			for _, s := range statuses {
				applied := "pending"
				if s.Applied && s.AppliedAt != nil {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				} else if s.Applied {
					applied = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Description, applied)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)

	migrateUpCmd.Flags().String("to", "", "stop after this version (default: apply all)")
	migrateDownCmd.Flags().String("to", "", "keep this version and roll back everything newer")
}

// withMigrator opens the configured database and runs fn with a migrator
// holding every registered migration.
func withMigrator(ctx context.Context, fn func(context.Context, *migrations.Migrator) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := fn(ctx, migrator); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	return nil
}
