package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcoot/clanharvest/internal/identity"
)

func newNameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Inspect how names are normalized",
	}

	cmd.AddCommand(newNameNormalizeCmd())
	cmd.AddCommand(newNameValidateCmd())

	return cmd
}

func describeName(input string) NameResult {
	ok, reason := identity.Validate(input)
	return NameResult{
		Input:      input,
		Comparison: identity.Normalize(input, identity.Comparison),
		Display:    identity.Normalize(input, identity.Display),
		Canonical:  identity.Canonical(input),
		Valid:      ok,
		Reason:     reason,
	}
}

func newNameNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <name>",
		Short: "Show the comparison, display and canonical forms of a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output(cmd).Print(describeName(args[0]))
			return nil
		},
	}
}

func newNameValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <name>",
		Short: "Check a name against the username rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := describeName(args[0])
			output(cmd).Print(result)
			if !result.Valid {
				return fmt.Errorf("invalid name: %s", result.Reason)
			}
			return nil
		},
	}
}
