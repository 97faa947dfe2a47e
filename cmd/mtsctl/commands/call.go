package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/session"
)

// call <method> [key=value...]: invoke a method and print the reply.
func callCmd() *cobra.Command {
	var (
		plain bool
		dc    int
		typ   string
	)
	cmd := &cobra.Command{
		Use:   "call <method> [key=value...]",
		Short: "Invoke a method and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			m := proto.Method{Name: args[0], Type: typ, Params: params}
			ctx := cmd.Context()
			e := appCtx.engine

			var out session.Outcome
			switch {
			case plain && dc != 0:
				out, err = e.InvokeUnauthenticatedOn(ctx, dc, m)
			case plain:
				out, err = e.InvokeUnauthenticated(ctx, m)
			case dc != 0:
				out, err = e.InvokeAuthenticatedOn(ctx, dc, m)
			default:
				out, err = e.InvokeAuthenticated(ctx, m)
			}
			if err != nil {
				return err
			}
			if out.Empty() {
				return fmt.Errorf("no reply: %v", out.Fault)
			}
			printReply(cmd.OutOrStdout(), out.Reply)
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "send without an authorization key")
	cmd.Flags().IntVar(&dc, "dc", 0, "target DC (default: current)")
	cmd.Flags().StringVar(&typ, "type", "", "expected reply type")
	return cmd
}

// parseParams: int64 if it parses, then bool, hex:<..> for bytes, else string.
func parseParams(args []string) (proto.Params, error) {
	p := make(proto.Params, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("param %q: want key=value", a)
		}
		switch {
		case strings.HasPrefix(v, "hex:"):
			b, err := hex.DecodeString(v[len("hex:"):])
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", k, err)
			}
			p[k] = b
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				p[k] = n
			} else if b, err := strconv.ParseBool(v); err == nil {
				p[k] = b
			} else {
				p[k] = v
			}
		}
	}
	return p, p.Validate()
}

func printReply(w io.Writer, r proto.Reply) {
	fmt.Fprintf(w, "%s (%s)\n", r.Predicate, r.Type)
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := r.Params[k].(type) {
		case []byte:
			fmt.Fprintf(w, "  %s = hex:%x\n", k, v)
		default:
			fmt.Fprintf(w, "  %s = %v\n", k, v)
		}
	}
}
