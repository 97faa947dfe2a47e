package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// reset: wipe the whole session, or only one DC's key with --dc.
func resetCmd() *cobra.Command {
	var dc int
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the session store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dc != 0 {
				if err := appCtx.engine.Forget(dc); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "forgot key for dc", dc)
				return nil
			}
			if err := appCtx.engine.Reset(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	}
	cmd.Flags().IntVar(&dc, "dc", 0, "drop only this DC's authorization key")
	return cmd
}
