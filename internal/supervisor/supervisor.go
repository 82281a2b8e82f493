// Package supervisor keeps the system's processes running. Every service is
// restarted unconditionally on exit, with exponential backoff against
// restart storms and no limit on restart count: a crashing dependent is
// expected to come good once its dependencies stabilize.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs the services of a manifest as child processes.
type Supervisor struct {
	manifest *Manifest
	logger   *slog.Logger

	// start runs one service instance to completion. Overridable in tests.
	start func(ctx context.Context, spec ServiceSpec) error
}

// New returns a Supervisor for the given manifest.
func New(m *Manifest, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{manifest: m, logger: logger}
	s.start = s.startProcess
	return s
}

// Run supervises every service until ctx is canceled. It always returns nil
// after a clean shutdown; per-service exits are handled by restarting, never
// by failing the supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range s.manifest.Services {
		g.Go(func() error {
			s.supervise(ctx, spec)
			return nil
		})
	}
	return g.Wait()
}

// supervise restarts one service forever, spacing restarts with exponential
// backoff. The backoff resets after the service stays up longer than the
// configured healthy-uptime threshold.
func (s *Supervisor) supervise(ctx context.Context, spec ServiceSpec) {
	cfg := s.manifest.Backoff
	delay := time.Duration(cfg.Initial)

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := s.start(ctx, spec)
		uptime := time.Since(started)

		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("service exited",
			"service", spec.Name,
			"uptime", uptime,
			"exit", exitDetail(err),
			"restart_in", delay,
		)

		if err := sleep(ctx, delay); err != nil {
			return
		}

		if uptime >= time.Duration(cfg.ResetAfter) {
			delay = time.Duration(cfg.Initial)
		} else {
			delay = nextDelay(delay, cfg)
		}
	}
}

// nextDelay grows the restart delay by the backoff rate, capped at Max.
func nextDelay(current time.Duration, cfg BackoffConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Rate)
	if next > time.Duration(cfg.Max) {
		next = time.Duration(cfg.Max)
	}
	if next < time.Duration(cfg.Initial) {
		next = time.Duration(cfg.Initial)
	}
	return next
}

// startProcess launches the service's command and waits for it to exit.
func (s *Supervisor) startProcess(ctx context.Context, spec ServiceSpec) error {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.logger.Info("starting service", "service", spec.Name, "command", spec.Command)
	return cmd.Run()
}

// exitDetail renders a service exit for logging, keeping the exit code
// visible so "never got healthy" (gate timeout) is distinguishable from a
// crash or a normal stop.
func exitDetail(err error) string {
	if err == nil {
		return "exit 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
