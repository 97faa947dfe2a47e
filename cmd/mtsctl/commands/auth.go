package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// auth: handshake on one DC (--dc, default current) or on all of them.
func authCmd() *cobra.Command {
	var (
		dc  int
		all bool
	)
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Create an authorization key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all {
				if err := appCtx.engine.AuthenticateAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "authenticated on all DCs")
				return nil
			}
			if dc == 0 {
				dc = appCtx.engine.DC()
			}
			if err := appCtx.engine.Authenticate(ctx, dc); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "authenticated on dc", dc)
			return nil
		},
	}
	cmd.Flags().IntVar(&dc, "dc", 0, "DC to authenticate on (default: current)")
	cmd.Flags().BoolVar(&all, "all", false, "authenticate on every DC, then return to the current one")
	cmd.MarkFlagsMutuallyExclusive("dc", "all")
	return cmd
}
