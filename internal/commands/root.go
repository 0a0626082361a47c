// Package commands implements the wattctl command tree.
package commands

import (
	"net/http"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every subcommand
type RootOptions struct {
	ConfigFile string
}

// NewRootCommand creates the wattctl root command with all subcommands attached
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	rootCmd := &cobra.Command{
		Use:   "wattctl",
		Short: "Issue calls against the WattSwap API",
		Long: `wattctl sends one logical call to the WattSwap backend through the
resilient request client: credentials are attached per attempt, transient
failures are retried with exponential backoff, and failures are reported
with their classified kind.

Configuration is read from config.yaml (or --config) and WATTSWAP_* environment
variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Configuration file (default: ./config.yaml when present)")

	rootCmd.AddCommand(
		NewCallCommand(http.MethodGet, opts),
		NewCallCommand(http.MethodPost, opts),
		NewCallCommand(http.MethodPut, opts),
		NewCallCommand(http.MethodDelete, opts),
		NewVersionCommand(version),
	)

	return rootCmd
}
