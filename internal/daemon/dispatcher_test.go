package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
	"github.com/crewd/crewd/internal/worker"
)

type dispatcherFixture struct {
	store      *store.Store
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, invoker worker.Invoker, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)

	resolver := NewDependencyResolver(st, nil, LogLevelError)
	// Backoff pushed out far so scheduled retries never fire mid-test.
	guard := NewRetryLoopGuard(3, time.Hour, 2*time.Hour, 3, nil, LogLevelError)
	d := NewDispatcher(context.Background(), st, resolver, guard, invoker, nil, nil, cfg, nil, LogLevelError)
	return &dispatcherFixture{store: st, dispatcher: d}
}

func staticInvoker(outcome model.Outcome) worker.Invoker {
	return worker.InvokerFunc(func(ctx context.Context, inv worker.Invocation) model.Outcome {
		return outcome
	})
}

// blockingInvoker parks until its context is cancelled.
func blockingInvoker(started chan<- string) worker.Invoker {
	return worker.InvokerFunc(func(ctx context.Context, inv worker.Invocation) model.Outcome {
		if started != nil {
			started <- inv.TaskID
		}
		<-ctx.Done()
		return model.Outcome{Kind: model.OutcomeCancelled, Message: "invocation cancelled"}
	})
}

func waitForStatus(t *testing.T, st *store.Store, id string, want model.Status) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := st.GetTask(id)
	t.Fatalf("task %s never reached %s, still %s", id, want, task.Status)
	return nil
}

func waitForIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.InFlight() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dispatcher still has in-flight executions")
}

func TestTrigger_SuccessLandsInReview(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{
		Kind:   model.OutcomeSuccess,
		Result: map[string]any{"pr": "ready"},
	}), DispatcherConfig{})

	task := createTask(t, f.store, "implement feature")
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))

	got := waitForStatus(t, f.store, task.ID, model.StatusInReview)
	assert.Equal(t, "ready", got.Result["pr"])
	assert.Equal(t, 0, got.RetryCount)
	waitForIdle(t, f.dispatcher)
}

func TestTrigger_AutoCloseSkipsReview(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	task, err := f.store.CreateTask(store.TaskDraft{Title: "chore", ExecutorRole: "coder", AutoClose: true})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))

	waitForStatus(t, f.store, task.ID, model.StatusDone)
}

func TestTrigger_UnmetDependencyRejected(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	dep := createTask(t, f.store, "dep")
	task := createTask(t, f.store, "task", dep.ID)

	err := f.dispatcher.Trigger(context.Background(), task.ID)
	var derr *model.DependencyNotSatisfiedError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, []string{dep.ID}, derr.Unmet)
}

func TestTrigger_NonPendingRejected(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	task := createTask(t, f.store, "task")
	_, err := f.store.ApplyTransition(task.ID, model.StatusPending, model.StatusCancelled, model.TaskPatch{})
	require.NoError(t, err)

	err = f.dispatcher.Trigger(context.Background(), task.ID)
	var cerr *model.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestTrigger_UnknownTask(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	err := f.dispatcher.Trigger(context.Background(), "T9999")
	var nferr *model.NotFoundError
	require.ErrorAs(t, err, &nferr)
}

func TestTrigger_AtMostOnePerTask(t *testing.T) {
	started := make(chan string, 1)
	f := newDispatcherFixture(t, blockingInvoker(started), DispatcherConfig{})

	task := createTask(t, f.store, "task")
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))
	<-started

	err := f.dispatcher.Trigger(context.Background(), task.ID)
	var aerr *model.AlreadyRunningError
	require.ErrorAs(t, err, &aerr)

	require.NoError(t, f.dispatcher.Cancel(task.ID, true))
	waitForStatus(t, f.store, task.ID, model.StatusPending)
	waitForIdle(t, f.dispatcher)
}

func TestTrigger_QueueTimeout(t *testing.T) {
	started := make(chan string, 1)
	f := newDispatcherFixture(t, blockingInvoker(started), DispatcherConfig{
		MaxSlots:  1,
		QueueWait: 50 * time.Millisecond,
	})

	holder := createTask(t, f.store, "holder")
	waiter := createTask(t, f.store, "waiter")

	require.NoError(t, f.dispatcher.Trigger(context.Background(), holder.ID))
	<-started

	err := f.dispatcher.Trigger(context.Background(), waiter.ID)
	var qerr *model.QueueTimeoutError
	require.ErrorAs(t, err, &qerr)

	// The timed-out waiter must be re-triggerable once a slot frees up.
	require.NoError(t, f.dispatcher.Cancel(holder.ID, true))
	waitForIdle(t, f.dispatcher)
	require.NoError(t, f.dispatcher.Trigger(context.Background(), waiter.ID))
	<-started
	require.NoError(t, f.dispatcher.Cancel(waiter.ID, true))
	waitForIdle(t, f.dispatcher)
}

func TestTrigger_TransientRequeuesWithCooldown(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{
		Kind:    model.OutcomeTransient,
		Message: "rate limited",
	}), DispatcherConfig{})

	task := createTask(t, f.store, "task")
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))

	waitForIdle(t, f.dispatcher)
	got := waitForStatus(t, f.store, task.ID, model.StatusPending)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NotBefore)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "rate limited", *got.LastError)
}

func TestTrigger_RetriesExhaustToBlocked(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{
		Kind:    model.OutcomeTransient,
		Message: "still down",
	}), DispatcherConfig{})
	// Tighten to a single allowed attempt.
	f.dispatcher.guard = NewRetryLoopGuard(1, time.Hour, 2*time.Hour, 3, nil, LogLevelError)

	task := createTask(t, f.store, "task")

	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))
	waitForIdle(t, f.dispatcher)
	waitForStatus(t, f.store, task.ID, model.StatusPending)

	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))
	waitForIdle(t, f.dispatcher)
	got := waitForStatus(t, f.store, task.ID, model.StatusBlocked)
	assert.Equal(t, "retries_exhausted", got.Result["blocked_reason"])
}

func TestTrigger_HandoffSwapsRoleAndRetriggers(t *testing.T) {
	var calls atomic.Int32
	inv := worker.InvokerFunc(func(ctx context.Context, in worker.Invocation) model.Outcome {
		if calls.Add(1) == 1 {
			return model.Outcome{Kind: model.OutcomeHandoff, TargetRole: "reviewer"}
		}
		return model.Outcome{Kind: model.OutcomeSuccess}
	})
	f := newDispatcherFixture(t, inv, DispatcherConfig{})

	task := createTask(t, f.store, "task")
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))

	got := waitForStatus(t, f.store, task.ID, model.StatusInReview)
	assert.Equal(t, "reviewer", got.ExecutorRole)
	assert.Equal(t, []string{"reviewer"}, got.HandoffChain)
	assert.EqualValues(t, 2, calls.Load(), "handoff re-triggers under the new role")
	waitForIdle(t, f.dispatcher)
}

func TestCancel_BlocksWithoutRequeue(t *testing.T) {
	started := make(chan string, 1)
	f := newDispatcherFixture(t, blockingInvoker(started), DispatcherConfig{})

	task := createTask(t, f.store, "task")
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))
	<-started

	require.NoError(t, f.dispatcher.Cancel(task.ID, false))
	got := waitForStatus(t, f.store, task.ID, model.StatusBlocked)
	assert.Equal(t, "cancelled", got.Result["blocked_reason"])
	waitForIdle(t, f.dispatcher)
}

func TestCancel_NoExecution(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	err := f.dispatcher.Cancel("T0001", false)
	var nferr *model.NotFoundError
	require.ErrorAs(t, err, &nferr)
}

func TestScanDue_TriggersDueRetriesOnly(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	due := createTask(t, f.store, "due retry")
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	_, err := f.store.ApplyTransition(due.ID, model.StatusPending, model.StatusInProgress, model.TaskPatch{})
	require.NoError(t, err)
	_, err = f.store.ApplyTransition(due.ID, model.StatusInProgress, model.StatusPending, model.TaskPatch{NotBefore: &past})
	require.NoError(t, err)

	notDue := createTask(t, f.store, "future retry")
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	_, err = f.store.ApplyTransition(notDue.ID, model.StatusPending, model.StatusInProgress, model.TaskPatch{})
	require.NoError(t, err)
	_, err = f.store.ApplyTransition(notDue.ID, model.StatusInProgress, model.StatusPending, model.TaskPatch{NotBefore: &future})
	require.NoError(t, err)

	fresh := createTask(t, f.store, "fresh pending")

	f.dispatcher.ScanDue()
	waitForIdle(t, f.dispatcher)

	waitForStatus(t, f.store, due.ID, model.StatusInReview)
	got, err := f.store.GetTask(notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "future cooldown not triggered")
	got, err = f.store.GetTask(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "plain pending tasks need auto-dispatch")
}

func TestScanDue_UnparsableNotBeforeIsNeverDue(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})

	task := createTask(t, f.store, "corrupt cooldown")
	bad := "not-a-timestamp"
	_, err := f.store.ApplyTransition(task.ID, model.StatusPending, model.StatusInProgress, model.TaskPatch{})
	require.NoError(t, err)
	_, err = f.store.ApplyTransition(task.ID, model.StatusInProgress, model.StatusPending, model.TaskPatch{NotBefore: &bad})
	require.NoError(t, err)

	f.dispatcher.ScanDue()
	waitForIdle(t, f.dispatcher)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "unreadable not_before must not fire")
}

func TestScanDue_AutoDispatchTriggersEligible(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}),
		DispatcherConfig{AutoDispatch: true})

	task := createTask(t, f.store, "task")
	f.dispatcher.ScanDue()
	waitForStatus(t, f.store, task.ID, model.StatusInReview)
	waitForIdle(t, f.dispatcher)
}

func TestDrain_WaitsForInFlightOutcome(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	inv := worker.InvokerFunc(func(ctx context.Context, in worker.Invocation) model.Outcome {
		started <- in.TaskID
		<-release
		return model.Outcome{Kind: model.OutcomeSuccess}
	})
	f := newDispatcherFixture(t, inv, DispatcherConfig{})

	task := createTask(t, f.store, "long running")
	require.NoError(t, f.dispatcher.Trigger(context.Background(), task.ID))
	<-started

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		drained <- f.dispatcher.Drain(ctx)
	}()

	// Drain must block while the invocation is still running.
	select {
	case err := <-drained:
		t.Fatalf("drain returned before the execution finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-drained)

	// By the time Drain returns the outcome transition is already durable.
	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInReview, got.Status)
}

func TestDrain_RejectsNewTriggers(t *testing.T) {
	f := newDispatcherFixture(t, staticInvoker(model.Outcome{Kind: model.OutcomeSuccess}), DispatcherConfig{})
	task := createTask(t, f.store, "task")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Drain(ctx))

	err := f.dispatcher.Trigger(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrDraining)
}
