// Package worker drains the broker queue and applies tasks to the store.
//
// The loop is a small state machine: Gating (done by the caller before Run),
// Ready, then Draining. A transient store or broker error moves it to
// Recovering, where only the failed dependency is re-probed with backoff;
// success returns to Draining, an exhausted retry budget Terminates the
// process so the supervisor restarts it from a clean gate.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/magnus5552/stack-exchange/internal/broker"
	"github.com/magnus5552/stack-exchange/internal/gate"
	"github.com/magnus5552/stack-exchange/internal/health"
	"github.com/magnus5552/stack-exchange/internal/model"
	"github.com/magnus5552/stack-exchange/internal/store"
)

// Phase is the worker's lifecycle state.
type Phase int32

const (
	PhaseReady Phase = iota
	PhaseDraining
	PhaseRecovering
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseDraining:
		return "draining"
	case PhaseRecovering:
		return "recovering"
	case PhaseTerminated:
		return "terminated"
	}
	return "unknown"
}

// errSkipped marks a redelivered task whose outcome already exists; the
// delivery is acked without re-applying anything.
var errSkipped = errors.New("task already completed")

// Config tunes the drain loop.
type Config struct {
	// DequeueWait is how long one dequeue blocks before polling again.
	DequeueWait time.Duration
	// RecoverPolicy bounds the scoped re-probe of a failed dependency.
	RecoverPolicy gate.Policy
	// MaxConsecutiveFailures is how many transient failures in a row the
	// worker absorbs before terminating. The counter resets on a
	// successfully processed task.
	MaxConsecutiveFailures int
}

// DefaultConfig matches the worker entry point's defaults.
func DefaultConfig() Config {
	return Config{
		DequeueWait:            5 * time.Second,
		RecoverPolicy:          gate.Policy{Interval: time.Second, MaxAttempts: 30},
		MaxConsecutiveFailures: 5,
	}
}

// Worker executes TaskUnits dequeued from the broker.
type Worker struct {
	store       store.Store
	queue       broker.Queue
	cache       broker.Cache
	storeDep    health.Dependency
	brokerDep   health.Dependency
	cfg         Config
	logger      *slog.Logger
	phase       atomic.Int32
	consecutive int
}

// New returns a Worker. storeDep and brokerDep are the scoped recovery
// probes for the two dependencies the loop talks to.
func New(s store.Store, q broker.Queue, c broker.Cache, storeDep, brokerDep health.Dependency, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = DefaultConfig().DequeueWait
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	if cfg.RecoverPolicy.Interval <= 0 {
		cfg.RecoverPolicy = DefaultConfig().RecoverPolicy
	}
	return &Worker{
		store:     s,
		queue:     q,
		cache:     c,
		storeDep:  storeDep,
		brokerDep: brokerDep,
		cfg:       cfg,
		logger:    logger,
	}
}

// Phase reports the loop's current state.
func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(int32(p))
}

// Run drains the queue until ctx is canceled (normal shutdown, returns nil)
// or the consecutive-failure budget is exhausted (returns the terminating
// error). The caller must have passed the dependency gate before calling Run.
func (w *Worker) Run(ctx context.Context) error {
	w.setPhase(PhaseDraining)
	defer w.setPhase(PhaseTerminated)

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := w.queue.Dequeue(ctx, w.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if recErr := w.recover(ctx, w.brokerDep, err); recErr != nil {
				return recErr
			}
			continue
		}
		if delivery == nil {
			continue
		}

		if err := w.process(ctx, delivery); err != nil {
			// Transient store failure: the task was Nak'd for redelivery,
			// now re-probe the store before touching the queue again.
			if recErr := w.recover(ctx, w.storeDep, err); recErr != nil {
				return recErr
			}
			continue
		}
		w.consecutive = 0
	}
}

// process executes one delivery. Task-level failures (malformed payload,
// insufficient funds, unknown kind) are converted to a failure ack and do not
// propagate; only transient I/O errors are returned, after Nak'ing the
// delivery so it is redelivered rather than lost.
func (w *Worker) process(ctx context.Context, d *broker.Delivery) error {
	task := d.Task
	err := w.execute(ctx, task)

	switch {
	case err == nil:
		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Warn("ack failed", "task_id", task.ID, "err", ackErr)
		}
		w.logger.Info("task completed", "task_id", task.ID, "kind", task.Kind)
		return nil

	case errors.Is(err, errSkipped):
		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Warn("ack failed", "task_id", task.ID, "err", ackErr)
		}
		w.logger.Info("task skipped, outcome already recorded", "task_id", task.ID)
		return nil

	case isPermanent(err):
		// The task will never succeed; record the failure and consume it.
		w.recordFailure(ctx, task, err)
		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Warn("ack failed", "task_id", task.ID, "err", ackErr)
		}
		w.logger.Warn("task failed", "task_id", task.ID, "kind", task.Kind, "err", err)
		return nil

	default:
		// Transient: hand the task back for redelivery.
		if nakErr := d.Nak(); nakErr != nil {
			w.logger.Warn("nak failed", "task_id", task.ID, "err", nakErr)
		}
		return err
	}
}

// execute applies one task inside a transaction. The outcome row doubles as
// the idempotency guard: when the insert is a no-op the task already ran and
// the whole transaction is abandoned.
func (w *Worker) execute(ctx context.Context, task *model.TaskUnit) error {
	switch task.Kind {
	case model.TaskBalanceUpdate:
		return w.executeBalanceUpdate(ctx, task)
	default:
		return &taskError{fmt.Errorf("unknown task kind %q", task.Kind)}
	}
}

func (w *Worker) executeBalanceUpdate(ctx context.Context, task *model.TaskUnit) error {
	var upd model.BalanceUpdate
	if err := json.Unmarshal(task.Payload, &upd); err != nil {
		return &taskError{fmt.Errorf("decode payload: %w", err)}
	}
	if upd.UserID == "" || upd.Ticker == "" {
		return &taskError{fmt.Errorf("incomplete payload: %+v", upd)}
	}

	err := w.store.RunInTransaction(ctx, func(tx store.Store) error {
		inserted, err := tx.RecordTaskOutcome(ctx, &model.TaskOutcome{
			TaskID:      task.ID,
			Kind:        task.Kind,
			Status:      model.OutcomeSucceeded,
			CompletedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errSkipped
		}
		return tx.ApplyBalanceDelta(ctx, upd.UserID, upd.Ticker, upd.Delta)
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return &taskError{err}
		}
		return err
	}

	if w.cache != nil {
		if err := w.cache.Delete(ctx, "balance."+upd.UserID); err != nil {
			w.logger.Warn("cache invalidation failed", "user_id", upd.UserID, "err", err)
		}
	}
	return nil
}

// recordFailure persists a failed outcome outside the (rolled back)
// transaction. Best-effort: a store that is also down just means the
// failure stays unrecorded.
func (w *Worker) recordFailure(ctx context.Context, task *model.TaskUnit, cause error) {
	_, err := w.store.RecordTaskOutcome(ctx, &model.TaskOutcome{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Status:      model.OutcomeFailed,
		Detail:      cause.Error(),
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		w.logger.Warn("recording failed outcome", "task_id", task.ID, "err", err)
	}
}

// recover re-probes the failed dependency with backoff. It returns nil when
// the dependency came back (loop resumes draining) and the terminating error
// when the budget is exhausted or the context was canceled.
func (w *Worker) recover(ctx context.Context, dep health.Dependency, cause error) error {
	w.consecutive++
	if w.consecutive > w.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("%d consecutive failures, giving up: %w", w.consecutive, cause)
	}

	w.setPhase(PhaseRecovering)
	defer w.setPhase(PhaseDraining)

	w.logger.Warn("dependency error, recovering",
		"dependency", dep.Name,
		"consecutive", w.consecutive,
		"err", cause,
	)

	desc := health.Descriptor{
		Name:         "worker",
		Kind:         health.KindWorker,
		Dependencies: []health.Dependency{dep},
	}
	if err := gate.AwaitReady(ctx, desc, w.cfg.RecoverPolicy, w.logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("recovery of %s failed: %w", dep.Name, err)
	}

	w.logger.Info("dependency recovered", "dependency", dep.Name)
	return nil
}

// taskError marks a task-level failure: the task itself is bad and retrying
// cannot fix it. It never crashes the loop.
type taskError struct {
	err error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var te *taskError
	return errors.As(err, &te)
}
