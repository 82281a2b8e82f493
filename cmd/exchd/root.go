package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/magnus5552/stack-exchange/internal/config"
	"github.com/magnus5552/stack-exchange/internal/gate"
	"github.com/magnus5552/stack-exchange/internal/health"
)

// Exit codes. The supervisor reads these to tell a service that shut down
// cleanly apart from one that never got past its dependency gate.
const (
	exitOK          = 0
	exitConfig      = 2
	exitGateTimeout = 3
)

var logJSON bool

var rootCmd = &cobra.Command{
	Use:           "exchd",
	Short:         "Stock exchange backend services",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(superviseCmd)
}

func newLogger() *slog.Logger {
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// configError marks a failure to assemble a valid configuration. It is
// raised before any dependency is touched.
type configError struct{ err error }

func (e *configError) Error() string { return "configuration: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

// descriptor declares the startup dependencies shared by the api and worker
// entry points: the relational store and the message broker.
func descriptor(cfg *config.Config, name string, kind health.Kind) health.Descriptor {
	return health.Descriptor{
		Name: name,
		Kind: kind,
		Dependencies: []health.Dependency{
			{Name: "postgres", Kind: health.KindStore, Probe: health.NewStoreProbe(cfg.DatabaseURL, cfg.ProbeTimeout)},
			{Name: "nats", Kind: health.KindBroker, Probe: health.NewBrokerProbe(cfg.BrokerURL, cfg.ProbeTimeout)},
		},
	}
}

func gatePolicy(cfg *config.Config) gate.Policy {
	return gate.Policy{
		Interval: cfg.GateInterval,
		MaxWait:  cfg.GateMaxWait,
		Backoff:  gate.BackoffFixed,
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var te *gate.TimeoutError
	if errors.As(err, &te) {
		return exitGateTimeout
	}
	var ce *configError
	if errors.As(err, &ce) {
		return exitConfig
	}
	return 1
}
