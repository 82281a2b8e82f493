// Package gate blocks a process's startup until its declared dependencies
// are ready. Coordination between independently restarting processes is
// polling-based on purpose: a dependent may come up before, during, or after
// the services it needs, so each one re-verifies readiness itself instead of
// trusting startup ordering imposed from outside.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magnus5552/stack-exchange/internal/health"
)

// Backoff selects how the interval between probe rounds grows.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// Policy bounds the gate's retry behavior. Zero MaxAttempts means unlimited
// attempts within MaxWait; zero MaxWait means no overall deadline. At least
// one of the two must be set.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	MaxWait     time.Duration
	Backoff     Backoff
	MaxInterval time.Duration // cap for exponential growth; 0 = 10*Interval
}

// DefaultPolicy matches the configuration defaults: one round per second for
// up to a minute.
func DefaultPolicy() Policy {
	return Policy{Interval: time.Second, MaxWait: 60 * time.Second, Backoff: BackoffFixed}
}

func (p Policy) validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("gate policy: interval must be positive")
	}
	if p.MaxAttempts <= 0 && p.MaxWait <= 0 {
		return fmt.Errorf("gate policy: one of max attempts or max wait is required")
	}
	return nil
}

// Outcome is the terminal state of one gate run.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSatisfied
	OutcomeTimedOut
)

// State tracks one gate run. It is owned exclusively by the process running
// the gate and is meaningless once the outcome leaves pending.
type State struct {
	Descriptor health.Descriptor
	Attempts   int
	Deadline   time.Time
	Outcome    Outcome
}

// TimeoutError reports that a dependency never became ready within the
// policy's budget.
type TimeoutError struct {
	Service    string
	Dependency string
	Attempts   int
	LastDetail string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gate: %s: dependency %q not ready after %d attempts: %s",
		e.Service, e.Dependency, e.Attempts, e.LastDetail)
}

// AwaitReady probes every dependency of desc in rounds until a single round
// sees all of them ready, then returns nil. A dependency that was ready in an
// earlier round earns no credit: it is re-probed every round. Between rounds
// it sleeps per the policy, aborting promptly if ctx is canceled. When the
// attempt or wait budget runs out it returns a *TimeoutError naming the
// dependency that never became ready.
//
// Calling AwaitReady again after a success re-verifies from scratch; no state
// survives between calls.
func AwaitReady(ctx context.Context, desc health.Descriptor, policy Policy, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := policy.validate(); err != nil {
		return err
	}
	if len(desc.Dependencies) == 0 {
		return nil
	}

	state := &State{Descriptor: desc}
	if policy.MaxWait > 0 {
		state.Deadline = time.Now().Add(policy.MaxWait)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, state.Deadline)
		defer cancel()
	}

	interval := policy.Interval
	maxInterval := policy.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 10 * policy.Interval
	}

	// The dependency blamed on timeout and its latest diagnostic.
	var blocking health.Dependency
	var lastDetail string

	for {
		state.Attempts++

		allReady := true
		for _, dep := range desc.Dependencies {
			res := dep.Probe.Check(ctx)
			if res.Ready {
				continue
			}
			if allReady {
				blocking = dep
				lastDetail = res.Detail
			}
			allReady = false
			logger.Debug("dependency not ready",
				"service", desc.Name,
				"dependency", dep.Name,
				"attempt", state.Attempts,
				"detail", res.Detail,
			)
		}

		if allReady {
			state.Outcome = OutcomeSatisfied
			logger.Info("dependencies ready",
				"service", desc.Name,
				"attempts", state.Attempts,
			)
			return nil
		}

		if policy.MaxAttempts > 0 && state.Attempts >= policy.MaxAttempts {
			state.Outcome = OutcomeTimedOut
			return &TimeoutError{
				Service:    desc.Name,
				Dependency: blocking.Name,
				Attempts:   state.Attempts,
				LastDetail: lastDetail,
			}
		}

		if err := sleep(ctx, interval); err != nil {
			// Canceled or past the deadline mid-backoff.
			if ctx.Err() == context.DeadlineExceeded {
				state.Outcome = OutcomeTimedOut
				return &TimeoutError{
					Service:    desc.Name,
					Dependency: blocking.Name,
					Attempts:   state.Attempts,
					LastDetail: lastDetail,
				}
			}
			return err
		}

		if policy.Backoff == BackoffExponential {
			interval *= 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}

// sleep waits for d or until ctx is done, whichever comes first.
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
