package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/database"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/repository"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change runtime settings",
	Long: `Read and change settings stored in the database.

Stored settings override the configuration file. Known keys:
  transcode.max_concurrent  local transcode limit
  workers.shared_secret     secret remote workers authenticate with`,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(ctx context.Context, s *service.SettingsService) error {
			value, ok, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("setting %q: %w", args[0], models.ErrNotFound)
			}
			fmt.Println(value)
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(ctx context.Context, s *service.SettingsService) error {
			return s.Set(ctx, args[0], args[1])
		})
	},
}

var settingsUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored setting so the configured default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(ctx context.Context, s *service.SettingsService) error {
			return s.Delete(ctx, args[0])
		})
	},
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSettings(cmd.Context(), func(ctx context.Context, s *service.SettingsService) error {
			settings, err := s.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
			for _, setting := range settings {
				value := setting.Value
				if setting.IsSecret() {
					value = "(hidden)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", setting.Key, value, setting.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsUnsetCmd, settingsListCmd)
}

// withSettings runs fn against the settings store of the configured,
// migrated database.
func withSettings(ctx context.Context, fn func(context.Context, *service.SettingsService) error) error {
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

	if err := runMigrations(ctx, db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	settings := service.NewSettingsService(repository.NewSettingRepository(db.DB), cfg).WithLogger(logger)
	return fn(ctx, settings)
}
