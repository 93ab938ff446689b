package cli

import (
	"fmt"

	"github.com/Shadowskybtw/loyalty-backend/internal/authz"

	"github.com/spf13/cobra"
)

func NewGrantAdminCommand(rootOpts *RootOptions) *cobra.Command {
	var revoke bool

	cmd := &cobra.Command{
		Use:           "grant-admin <actor-id>",
		Short:         "Give an actor the admin capability",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer e.close()

			admins := authz.NewStore(e.db, e.cfg.Admins.Bootstrap)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if revoke {
				if err := admins.Revoke(ctx, args[0]); err != nil {
					return WrapExitError(ExitFailure, "revoke admin", err)
				}
				if rootOpts.Format == "text" {
					fmt.Fprintf(out, "revoked admin %s\n", args[0])
					return nil
				}
				return write(out, rootOpts.Format, map[string]any{"actor_id": args[0], "revoked": true})
			}

			a, err := admins.Grant(ctx, args[0], Operator)
			if err != nil {
				return WrapExitError(ExitFailure, "grant admin", err)
			}
			if rootOpts.Format == "text" {
				fmt.Fprintf(out, "granted admin %s (by %s)\n", a.ActorID, a.GrantedBy)
				return nil
			}
			return write(out, rootOpts.Format, a)
		},
	}

	cmd.Flags().BoolVar(&revoke, "revoke", false, "remove a runtime grant instead")

	return cmd
}
