// Package app provides the command line of the ToolHive ML sync orchestrator.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-mlsync/internal/config"
	"github.com/stacklok/toolhive-mlsync/internal/versions"
)

// NewRootCmd creates a new root command for the orchestrator.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-mlsync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "ToolHive ML sync orchestrator",
		Long: `thv-mlsync keeps machine-learning features of a local media library in sync.

It runs a periodic bulk sync job with exponential backoff, serves live sync of
freshly uploaded files, and exposes a small control API on localhost.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags returns a Viper instance resolving each flag of cmd, then its
// THV_MLSYNC_* environment variable, then the flag default
func bindFlags(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return v, nil
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "thv-mlsync %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
