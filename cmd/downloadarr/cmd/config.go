package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing downloadarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file this shows every option with its default value.
Redirect the output to create a configuration template:

  downloadarr config dump > config.yaml

Environment variables use the DOWNLOADARR_ prefix and underscores for
nesting. Example: server.port -> DOWNLOADARR_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations in their readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The shared secret is never echoed.
	if cfg.Workers.SharedSecret != "" {
		cfg.Workers.SharedSecret = "********"
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# downloadarr Configuration File")
	fmt.Println("# ==============================")
	fmt.Println("#")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("# Schedules accept cron specs or @every <duration>")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   DOWNLOADARR_SERVER_HOST, DOWNLOADARR_SERVER_PORT")
	fmt.Println("#   DOWNLOADARR_DATABASE_DRIVER, DOWNLOADARR_DATABASE_DSN")
	fmt.Println("#   DOWNLOADARR_LIBRARY_ROOT, DOWNLOADARR_STORAGE_BASE_DIR")
	fmt.Println("#   DOWNLOADARR_WORKERS_SHARED_SECRET")
	fmt.Println("#   etc.")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
