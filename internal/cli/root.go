package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var opts *Options

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts = DefaultOptions()

	rootCmd := &cobra.Command{
		Use:   "clanharvest",
		Short: "Harvest clan membership, stats and chat history",
		Long: `clanharvest keeps a durable record of a clan: who is in it, what every
member's stats looked like each day and what was said in the clan's channels.

Members are tracked across renames through an alias ledger, stats are pulled
from the stats provider through a paced and retrying gateway, and channel
history is backfilled and then followed forward.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "Config file (env: CLANHARVEST_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Log format: json, text (overrides log.format)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	rootCmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", opts.Output, "Output format: text, json")

	// Add subcommands
	rootCmd.AddCommand(newHarvestCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAliasCmd())
	rootCmd.AddCommand(newNameCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newHealthCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		NewOutput(opts.Output, cmd.OutOrStdout(), cmd.ErrOrStderr()).PrintError(err)
		os.Exit(1)
	}
}

// output returns the formatter for cmd's writers
func output(cmd *cobra.Command) *Output {
	return NewOutput(opts.Output, cmd.OutOrStdout(), cmd.ErrOrStderr())
}
