package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/tabsync"
	"github.com/aixgo-dev/tabsync/internal/logging"
	"github.com/aixgo-dev/tabsync/pkg/config"
	"github.com/aixgo-dev/tabsync/pkg/session"
)

const shutdownTimeout = 30 * time.Second

type globalFlags struct {
	configPath string
	logLevel   string
	user       string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "tabsync",
		Short:         "Keep a user's study session in step across contexts",
		Long:          "tabsync runs one context of the session sync layer: it joins the message bus, reads and writes the durable store and tracks the user's study session.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("TABSYNC_CONFIG"), "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides the config)")
	rootCmd.PersistentFlags().StringVarP(&g.user, "user", "u", os.Getenv("TABSYNC_USER"), "user ID")

	rootCmd.AddCommand(
		newServeCmd(g),
		newShellCmd(g),
		newPurgeCmd(g),
	)

	return rootCmd
}

// loadConfig reads --config, or the defaults plus environment when no file
// is given.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	if g.configPath == "" {
		cfg := config.Default()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", g.configPath, err)
	}
	return cfg, nil
}

// startRuntime builds and initializes the runtime for cmd. mutate, if not
// nil, adjusts the configuration first. The returned context carries the
// session manager.
func (g *globalFlags) startRuntime(cmd *cobra.Command, mutate func(*config.Config)) (context.Context, *tabsync.Runtime, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Environment: os.Getenv("ENVIRONMENT"),
		Output:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}

	rt, err := tabsync.New(cfg, tabsync.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Init(cmd.Context()); err != nil {
		return nil, nil, err
	}
	return session.ContextWithManager(cmd.Context(), rt.Manager()), rt, nil
}

func (g *globalFlags) requireUser() error {
	if g.user == "" {
		return fmt.Errorf("a user is required: pass --user or set TABSYNC_USER")
	}
	return nil
}

func shutdown(rt *tabsync.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		rt.Logger().WithError(err).Warn("Shutdown finished with errors")
	}
}
