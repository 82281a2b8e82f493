package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/magnus5552/stack-exchange/internal/supervisor"
)

var superviseConfig string

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run and restart the declared services",
	Long: `Run and restart the declared services.

Reads a TOML manifest of service commands, starts each one, and restarts it
whenever it exits, with exponential backoff between attempts. Each child is
expected to run its own dependency gate; the supervisor restarts regardless
of exit code and lets the children converge on their own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		m, err := supervisor.LoadManifest(superviseConfig)
		if err != nil {
			return &configError{err: err}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sup := supervisor.New(m, logger)
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	superviseCmd.Flags().StringVar(&superviseConfig, "config", "exchd.toml", "path to the services manifest")
}
