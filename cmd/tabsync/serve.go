package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/tabsync/pkg/session"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var users []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a context with metrics, health checks and the abandonment sweep",
		Long: `Run one long-lived context. It follows session changes from other
contexts, serves /health and /metrics on observability.metrics_addr and
clears sessions of the watched users once they have been idle for longer
than session.max_inactivity.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.user != "" {
				users = append(users, g.user)
			}

			ctx, rt, err := g.startRuntime(cmd, nil)
			if err != nil {
				return err
			}
			defer shutdown(rt)

			log := rt.Logger().WithField("component", "serve")
			m, err := session.RequireManager(ctx)
			if err != nil {
				return err
			}

			m.Follow(func(c session.Change) {
				log.WithFields(logrus.Fields{
					"user":   c.UserID,
					"action": c.Action,
					"from":   c.Origin,
					"sent":   c.SentAt.Format(time.RFC3339),
				}).Info("Session changed in another context")
			})

			cfg := rt.Config()
			sweeper := cron.New()
			if len(users) > 0 {
				maxInactivity := cfg.Session.MaxInactivity.D()
				if _, err := sweeper.AddFunc(cfg.Session.SweepSchedule, func() {
					sweep(ctx, m, users, maxInactivity, log)
				}); err != nil {
					return fmt.Errorf("schedule abandonment sweep: %w", err)
				}
			}
			sweeper.Start()
			defer func() { <-sweeper.Stop().Done() }()

			log.WithFields(logrus.Fields{
				"origin":  rt.Bus().Identity(),
				"metrics": cfg.Observability.MetricsAddr,
				"users":   users,
			}).Info("Serving")

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-sigCtx.Done()

			log.Info("Shutting down")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&users, "watch", nil, "additional users to sweep for abandoned sessions")
	return cmd
}

// sweep runs CheckAbandoned for every user and reports how many sessions
// were cleared.
func sweep(ctx context.Context, m session.Manager, users []string, maxInactivity time.Duration, log logrus.FieldLogger) int {
	cleared := 0
	for _, user := range users {
		abandoned, err := m.CheckAbandoned(ctx, user, maxInactivity)
		if err != nil {
			log.WithError(err).WithField("user", user).Warn("Abandonment check failed")
			continue
		}
		if abandoned {
			cleared++
		}
	}
	if cleared > 0 {
		log.WithField("cleared", cleared).Info("Cleared abandoned sessions")
	}
	return cleared
}
