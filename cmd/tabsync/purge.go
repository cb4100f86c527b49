package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/tabsync/pkg/config"
	"github.com/aixgo-dev/tabsync/pkg/session"
)

func newPurgeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove every stored record of a user (logout)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}

			ctx, rt, err := g.startRuntime(cmd, func(c *config.Config) {
				c.Observability.MetricsAddr = ""
			})
			if err != nil {
				return err
			}
			defer shutdown(rt)

			m, err := session.RequireManager(ctx)
			if err != nil {
				return err
			}
			n, err := m.ClearAll(ctx, g.user)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d records for %s\n", n, g.user)
			return nil
		},
	}
}
