package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/magnus5552/stack-exchange/internal/broker"
	"github.com/magnus5552/stack-exchange/internal/gate"
	"github.com/magnus5552/stack-exchange/internal/health"
	"github.com/magnus5552/stack-exchange/internal/server"
	"github.com/magnus5552/stack-exchange/internal/store/postgres"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API service",
	Long: `Run the HTTP API service.

The process first waits for postgres and the broker to be ready, then binds
the listener. The port is never bound while a dependency is down, so an
external health check on the listen address implies the full stack is up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		desc := descriptor(cfg, "api", health.KindAPI)
		if err := gate.AwaitReady(ctx, desc, gatePolicy(cfg), logger); err != nil {
			if errors.Is(err, context.Canceled) {
				// Asked to stop while still waiting.
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

		api := server.NewAPIServer(st, br, br, cfg.AdminToken, logger)
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewHTTPHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("api listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		select {
		case err := <-serveErr:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
