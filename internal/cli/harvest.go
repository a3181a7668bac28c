package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHarvestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Run one harvest now",
		Long: `Run one harvest: refresh the group, reconcile renames, sync membership,
then collect snapshots and channel history. Exits non-zero when the run
aborts (authentication or roster failure); per-member failures are counted
in the summary instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			summary, err := app.Harvest.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("harvest aborted: %w", err)
			}

			output(cmd).Print(summary)
			return nil
		},
	}
}
