package cli

import (
	"github.com/spf13/cobra"

	"github.com/mcoot/clanharvest/internal/services/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the reporting API token",
	}

	cmd.AddCommand(newTokenHashCmd())

	return cmd
}

func newTokenHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [token]",
		Short: "Hash a token for api.token_hash, generating one when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result TokenResult
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				token = auth.GenerateToken("ch_")
				result.Token = token
			}

			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			result.Hash = hash

			output(cmd).Print(result)
			return nil
		},
	}
}
