package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dev.c0redev.mtsession/internal/session"
)

// status: current DC, engine state, per-DC credentials and stored records.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current DC and per-DC credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := appCtx.engine
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dc      %d\n", e.DC())
			fmt.Fprintf(out, "state   %s\n", e.State())
			fmt.Fprintf(out, "ready   %v\n", e.IsNetworkReady())
			for dc := session.MinDC; dc <= session.MaxDC; dc++ {
				c, ok, err := e.Credentials(dc)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "dc%d     -\n", dc)
					continue
				}
				fmt.Fprintf(out, "dc%d     key %x salt %016x delta %v\n", dc, c.AuthKeyID[:], uint64(c.ServerSalt), c.ServerTime.Sub(c.SyncedAt))
			}
			keys, err := appCtx.db.Keys()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "records %s\n", strings.Join(keys, " "))
			return nil
		},
	}
}
