package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/magnus5552/stack-exchange/internal/broker"
	"github.com/magnus5552/stack-exchange/internal/gate"
	"github.com/magnus5552/stack-exchange/internal/health"
	"github.com/magnus5552/stack-exchange/internal/model"
	"github.com/magnus5552/stack-exchange/internal/store"
)

// fakeQueue is an in-memory queue whose Nak puts the task back, mimicking
// broker redelivery.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []*model.TaskUnit

	// dequeueErrs, while positive, makes Dequeue fail that many times.
	dequeueErrs int
	acked       int
	naked       int
}

func (q *fakeQueue) Enqueue(_ context.Context, task *model.TaskUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, wait time.Duration) (*broker.Delivery, error) {
	q.mu.Lock()
	if q.dequeueErrs > 0 {
		q.dequeueErrs--
		q.mu.Unlock()
		return nil, errors.New("broker unreachable")
	}
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		return nil, nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.mu.Unlock()

	ack := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.acked++
		return nil
	}
	nak := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.naked++
		q.tasks = append(q.tasks, task)
		return nil
	}
	return broker.NewDelivery(task, ack, nak), nil
}

// fakeStore is an in-memory store with transient-failure injection and
// transaction rollback semantics for the outcome guard.
type fakeStore struct {
	mu            sync.Mutex
	balances      map[string]int64 // userID|ticker
	outcomes      map[string]*model.TaskOutcome
	applyFailures int // remaining transient ApplyBalanceDelta failures
	applyErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances: make(map[string]int64),
		outcomes: make(map[string]*model.TaskOutcome),
	}
}

func (s *fakeStore) CreateUser(context.Context, *model.User) error { return nil }
func (s *fakeStore) GetUserByAPIKey(context.Context, string) (*model.User, error) {
	return nil, nil
}
func (s *fakeStore) GetBalances(context.Context, string) ([]*model.Balance, error) {
	return nil, nil
}

func (s *fakeStore) ApplyBalanceDelta(_ context.Context, userID, ticker string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyFailures > 0 {
		s.applyFailures--
		return errors.New("store connection reset")
	}
	if s.applyErr != nil {
		return s.applyErr
	}
	s.balances[userID+"|"+ticker] += delta
	return nil
}

func (s *fakeStore) RecordTaskOutcome(_ context.Context, o *model.TaskOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[o.TaskID]; ok {
		return false, nil
	}
	s.outcomes[o.TaskID] = o
	return true, nil
}

func (s *fakeStore) GetTaskOutcome(_ context.Context, taskID string) (*model.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[taskID], nil
}

// RunInTransaction restores the outcome table when fn fails, which is the
// rollback behavior the worker's idempotency guard depends on.
func (s *fakeStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	snapshot := make(map[string]*model.TaskOutcome, len(s.outcomes))
	for k, v := range s.outcomes {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.outcomes = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

func (s *fakeStore) balance(userID, ticker string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID+"|"+ticker]
}

func (s *fakeStore) outcome(taskID string) *model.TaskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[taskID]
}

// countingProbe reports not-ready until readyAfter checks have been made.
type countingProbe struct {
	mu         sync.Mutex
	readyAfter int
	checks     int
}

func (p *countingProbe) Check(context.Context) health.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	if p.readyAfter >= 0 && p.checks >= p.readyAfter {
		return health.Result{Ready: true, ObservedAt: time.Now()}
	}
	return health.Result{Ready: false, ObservedAt: time.Now(), Detail: "down"}
}

func (p *countingProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

type env struct {
	store       *fakeStore
	queue       *fakeQueue
	storeProbe  *countingProbe
	brokerProbe *countingProbe
	worker      *Worker
}

func newEnv(cfg Config) *env {
	e := &env{
		store:       newFakeStore(),
		queue:       &fakeQueue{},
		storeProbe:  &countingProbe{readyAfter: 1},
		brokerProbe: &countingProbe{readyAfter: 1},
	}
	e.worker = New(e.store, e.queue, nil,
		health.Dependency{Name: "store", Kind: health.KindStore, Probe: e.storeProbe},
		health.Dependency{Name: "broker", Kind: health.KindBroker, Probe: e.brokerProbe},
		cfg, nil)
	return e
}

func fastConfig() Config {
	return Config{
		DequeueWait:            10 * time.Millisecond,
		RecoverPolicy:          gate.Policy{Interval: time.Millisecond, MaxAttempts: 20},
		MaxConsecutiveFailures: 5,
	}
}

// runUntil runs the worker until cond holds or the deadline passes, then
// cancels and waits for Run to return.
func runUntil(t *testing.T, e *env, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for cond != nil && !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition not reached before deadline")
		case err := <-done:
			cancel()
			return err
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
		return nil
	}
}

func enqueue(t *testing.T, e *env, id string, delta int64) {
	t.Helper()
	task, err := model.NewBalanceUpdateTask(id, "us-1", "MEMCOIN", delta)
	if err != nil {
		t.Fatalf("building task: %v", err)
	}
	if err := e.queue.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestRun_ProcessesTask(t *testing.T) {
	e := newEnv(fastConfig())
	enqueue(t, e, "tk-1", 100)

	err := runUntil(t, e, func() bool { return e.store.balance("us-1", "MEMCOIN") == 100 })
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	o := e.store.outcome("tk-1")
	if o == nil || o.Status != model.OutcomeSucceeded {
		t.Errorf("outcome = %+v, want succeeded", o)
	}
	if e.queue.acked != 1 {
		t.Errorf("acked = %d, want 1", e.queue.acked)
	}
	if e.worker.Phase() != PhaseTerminated {
		t.Errorf("final phase = %v, want terminated", e.worker.Phase())
	}
}

func TestRun_RecoversAndRedelivers(t *testing.T) {
	// The first apply fails transiently. The worker must Nak (the task is
	// redelivered, not lost), re-probe the store until it reports ready on
	// the second check, then apply the redelivered task exactly once.
	e := newEnv(fastConfig())
	e.store.applyFailures = 1
	e.storeProbe.readyAfter = 2
	enqueue(t, e, "tk-flaky", 50)

	err := runUntil(t, e, func() bool { return e.store.balance("us-1", "MEMCOIN") == 50 })
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if e.queue.naked != 1 {
		t.Errorf("naked = %d, want 1", e.queue.naked)
	}
	if got := e.storeProbe.count(); got < 2 {
		t.Errorf("store probed %d times, want at least 2", got)
	}
	if o := e.store.outcome("tk-flaky"); o == nil || o.Status != model.OutcomeSucceeded {
		t.Errorf("outcome = %+v, want succeeded", o)
	}
}

func TestRun_TaskErrorDoesNotCrashLoop(t *testing.T) {
	e := newEnv(fastConfig())
	e.store.applyErr = store.ErrInsufficientFunds
	enqueue(t, e, "tk-poor", 10)

	err := runUntil(t, e, func() bool {
		o := e.store.outcome("tk-poor")
		return o != nil && o.Status == model.OutcomeFailed
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if e.queue.acked != 1 {
		t.Errorf("acked = %d, want 1 (failure is consumed, not redelivered)", e.queue.acked)
	}
	if e.queue.naked != 0 {
		t.Errorf("naked = %d, want 0", e.queue.naked)
	}
	if got := e.store.balance("us-1", "MEMCOIN"); got != 0 {
		t.Errorf("balance = %d after rejected task, want 0", got)
	}
}

func TestRun_ContinuesAfterTaskFailure(t *testing.T) {
	// One poisoned task followed by a valid one: the loop must consume the
	// failure and still process the rest of the queue.
	e := newEnv(fastConfig())
	bad := &model.TaskUnit{ID: "tk-bad", Kind: model.TaskBalanceUpdate, Payload: []byte("{not json"), EnqueuedAt: time.Now()}
	if err := e.queue.Enqueue(context.Background(), bad); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	enqueue(t, e, "tk-ok", 25)

	err := runUntil(t, e, func() bool { return e.store.balance("us-1", "MEMCOIN") == 25 })
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if o := e.store.outcome("tk-bad"); o == nil || o.Status != model.OutcomeFailed {
		t.Errorf("poisoned task outcome = %+v, want failed", o)
	}
}

func TestRun_UnknownKindIsFailedNotFatal(t *testing.T) {
	e := newEnv(fastConfig())
	task := &model.TaskUnit{ID: "tk-odd", Kind: "order.match", Payload: []byte("{}"), EnqueuedAt: time.Now()}
	if err := e.queue.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err := runUntil(t, e, func() bool {
		o := e.store.outcome("tk-odd")
		return o != nil && o.Status == model.OutcomeFailed
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if e.queue.naked != 0 {
		t.Errorf("unknown-kind task was Nak'd %d times; it can never succeed", e.queue.naked)
	}
}

func TestRun_SkipsAlreadyCompletedTask(t *testing.T) {
	// At-least-once delivery: a redelivered task whose outcome exists is
	// acked without touching the balance again.
	e := newEnv(fastConfig())
	e.store.outcomes["tk-dup"] = &model.TaskOutcome{
		TaskID: "tk-dup", Kind: model.TaskBalanceUpdate, Status: model.OutcomeSucceeded,
	}
	enqueue(t, e, "tk-dup", 100)

	err := runUntil(t, e, func() bool {
		e.queue.mu.Lock()
		defer e.queue.mu.Unlock()
		return e.queue.acked == 1
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := e.store.balance("us-1", "MEMCOIN"); got != 0 {
		t.Errorf("balance = %d, duplicate task was re-applied", got)
	}
}

func TestRun_TerminatesAfterFailureBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.RecoverPolicy = gate.Policy{Interval: time.Millisecond, MaxAttempts: 1}
	cfg.MaxConsecutiveFailures = 2
	e := newEnv(cfg)
	e.brokerProbe.readyAfter = -1
	e.queue.dequeueErrs = 100

	err := runUntil(t, e, nil)
	if err == nil {
		t.Fatal("Run() = nil, want terminating error")
	}
	if e.worker.Phase() != PhaseTerminated {
		t.Errorf("phase = %v, want terminated", e.worker.Phase())
	}
}

func TestRun_CancelWhileIdleReturnsNil(t *testing.T) {
	e := newEnv(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestPhaseString(t *testing.T) {
	for phase, want := range map[Phase]string{
		PhaseReady:      "ready",
		PhaseDraining:   "draining",
		PhaseRecovering: "recovering",
		PhaseTerminated: "terminated",
	} {
		if got := phase.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}
