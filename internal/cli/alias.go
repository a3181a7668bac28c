package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mcoot/clanharvest/internal/factory"
	"github.com/mcoot/clanharvest/internal/identity"
	"github.com/mcoot/clanharvest/internal/model"
)

func newAliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Query and correct the alias ledger",
	}

	cmd.AddCommand(newAliasResolveCmd())
	cmd.AddCommand(newAliasListCmd())
	cmd.AddCommand(newAliasReassignCmd())
	cmd.AddCommand(newAliasSyncCmd())

	return cmd
}

// withApp opens the application for the duration of fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *factory.App) error) error {
	app, err := opts.openApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(cmd.Context(), app)
}

// lookupMember accepts a member id or any known name
func lookupMember(ctx context.Context, app *factory.App, ref string) (*model.Member, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return app.Storage.GetMember(ctx, model.MemberID(id))
	}
	id, ok, err := app.Ledger.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, model.ErrMemberNotFound)
	}
	return app.Storage.GetMember(ctx, id)
}

func newAliasResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <name>",
		Short: "Find the member a name belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				result := ResolveResult{Name: args[0], Key: identity.Key(args[0])}

				id, ok, err := app.Ledger.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				if ok {
					member, err := app.Storage.GetMember(ctx, id)
					if err != nil {
						return err
					}
					result.Found = true
					result.MemberID = id
					result.Username = member.Username
				}

				output(cmd).Print(result)
				return nil
			})
		},
	}
}

func newAliasListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <member-id|name>",
		Short: "List every name a member has been known by",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				member, err := lookupMember(ctx, app, args[0])
				if err != nil {
					return err
				}
				aliases, err := app.Ledger.ListAliases(ctx, member.ID)
				if err != nil {
					return err
				}

				output(cmd).Print(AliasList{MemberID: member.ID, Username: member.Username, Aliases: aliases})
				return nil
			})
		},
	}
}

func newAliasReassignCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "reassign <name> <member-id>",
		Short: "Point a name at a different member, correcting a mistaken mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("member id must be an integer: %w", err)
			}

			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				alias, err := app.Ledger.ReassignAlias(ctx, args[0], model.MemberID(id), source, app.Clock.Now())
				if err != nil {
					return err
				}
				output(cmd).PrintMessage(fmt.Sprintf("%s now belongs to member %d", alias.NormalizedName, alias.MemberID))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", model.AliasSourceManual, "Source recorded on the alias")

	return cmd
}

func newAliasSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [member-id|name...]",
		Short: "Record approved name history from the stats provider as aliases",
		Long: `Pull each member's approved rename history from the stats provider and
record every old name as an alias. With no arguments every stored member is
synced. Names already owned by another member are logged and left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *factory.App) error {
				var members []*model.Member
				if len(args) == 0 {
					all, err := app.Storage.ListMembers(ctx)
					if err != nil {
						return err
					}
					members = all
				}
				for _, ref := range args {
					member, err := lookupMember(ctx, app, ref)
					if err != nil {
						return err
					}
					members = append(members, member)
				}

				written := make(map[string]int, len(members))
				var errs []error
				for _, m := range members {
					n, err := app.Ledger.SyncNameHistory(ctx, m.ID, m.Username)
					if err != nil {
						app.Logger.Warn("name history sync failed",
							slog.String("username", m.Username),
							slog.String("error", err.Error()),
						)
						errs = append(errs, err)
						continue
					}
					written[m.Username] = n
				}

				output(cmd).Print(written)
				return errors.Join(errs...)
			})
		},
	}
}
