package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/magnus5552/stack-exchange/internal/broker"
	"github.com/magnus5552/stack-exchange/internal/gate"
	"github.com/magnus5552/stack-exchange/internal/health"
	"github.com/magnus5552/stack-exchange/internal/store/postgres"
	"github.com/magnus5552/stack-exchange/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background task worker",
	Long: `Run the background task worker.

The worker gates on postgres and the broker before consuming its first task.
When a dependency drops mid-stream the loop pauses, re-verifies just that
dependency, and resumes; the task in flight is redelivered by the broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		desc := descriptor(cfg, "worker", health.KindWorker)
		if err := gate.AwaitReady(ctx, desc, gatePolicy(cfg), logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL, cfg.DBEcho)
		if err != nil {
			return err
		}
		defer st.Close()

		br, err := broker.Connect(cfg.BrokerURL)
		if err != nil {
			return err
		}
		defer br.Close()

		wcfg := worker.DefaultConfig()
		wcfg.RecoverPolicy = gate.Policy{Interval: cfg.GateInterval, MaxAttempts: 30}

		w := worker.New(st, br, br, desc.Dependencies[0], desc.Dependencies[1], wcfg, logger)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
