package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/magnus5552/stack-exchange/internal/gate"
	"github.com/magnus5552/stack-exchange/internal/health"
)

var gateService string

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Wait for the backend dependencies, then exit",
	Long: `Wait for the backend dependencies, then exit.

Probes postgres and the broker in rounds until one round sees both ready.
Exits 0 when they are, 3 when the wait budget runs out. Useful as an init
step before running one-off jobs such as migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		desc := descriptor(cfg, gateService, health.KindAPI)
		if err := gate.AwaitReady(ctx, desc, gatePolicy(cfg), logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	gateCmd.Flags().StringVar(&gateService, "service", "gate", "service name reported in diagnostics")
}
