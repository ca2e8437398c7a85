// Package app provides the command line interface of the CheckApp sync server.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/versions"
)

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "checkapp-sync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "CheckApp incremental sync server",
		Long: `CheckApp sync server lets auditor devices pull the rows that changed since
their last sync and push the changes they recorded while offline.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newTenantCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checkapp-sync %s (commit %s, built %s, %s %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

// loadConfig reads the file named by --config (or CHECKAPP_SYNC_CONFIG).
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		path = viper.GetString("config")
	}
	if path == "" {
		return nil, fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", config.EnvPrefix)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, nil
}
