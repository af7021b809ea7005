// Package commands implements the wabridge CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wabridge",
		Short: "wabridge - WhatsApp session bridge",
		Long: `wabridge keeps a WhatsApp Web session alive and exposes contacts,
message history and sending over a local HTTP API.

Examples:
  wabridge serve
  wabridge serve --config ./wabridge.yaml
  wabridge console
  wabridge reset --yes
  wabridge token set`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConsoleCmd(),
		newResetCmd(),
		newTokenCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
