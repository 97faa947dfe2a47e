package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// dc [id]: print the current DC, or switch to id.
func dcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dc [id]",
		Short: "Print or switch the current DC",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), appCtx.engine.DC())
				return nil
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("dc id %q: %w", args[0], err)
			}
			if err := appCtx.engine.SwitchDC(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "switched to dc", id)
			return nil
		},
	}
}
