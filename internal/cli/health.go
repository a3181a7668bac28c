package cli

import (
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result HealthResult

			client := NewClient(opts.ServerURL, opts.Token)
			if err := client.Get(cmd.Context(), "/api/v1/health", &result); err != nil {
				return err
			}

			output(cmd).Print(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ServerURL, "server", opts.ServerURL, "Server URL (env: CLANHARVEST_SERVER)")
	cmd.Flags().StringVar(&opts.Token, "token", opts.Token, "API token (env: CLANHARVEST_TOKEN)")

	return cmd
}
