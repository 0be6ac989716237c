package daemon

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
	"github.com/crewd/crewd/internal/worker"
)

// ErrDraining is returned by Trigger once shutdown has begun.
var ErrDraining = errors.New("dispatcher draining, not accepting triggers")

// execRecord is the ephemeral bookkeeping for one in-flight task execution.
// It lives only in dispatcher memory and is destroyed when the invocation
// completes or is cancelled.
type execRecord struct {
	recordID  string
	taskID    string
	startedAt time.Time
	attempt   int

	mu              sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool
	requeueOnCancel bool

	done chan struct{}
}

func (r *execRecord) requestCancel(requeue bool) {
	r.mu.Lock()
	r.cancelRequested = true
	r.requeueOnCancel = requeue
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// armCancel installs the invocation's cancel func, firing it immediately if a
// cancel request raced ahead of the invocation start.
func (r *execRecord) armCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	requested := r.cancelRequested
	r.mu.Unlock()
	if requested {
		cancel()
	}
}

func (r *execRecord) requeue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requeueOnCancel
}

// Dispatcher schedules eligible tasks onto a bounded pool of execution slots
// and enforces at most one concurrent execution per task.
type Dispatcher struct {
	store    *store.Store
	resolver *DependencyResolver
	guard    *RetryLoopGuard
	invoker  worker.Invoker
	bus      *events.Bus
	audit    *events.AuditLog

	slots         *semaphore.Weighted
	queueWait     time.Duration
	invokeTimeout time.Duration
	autoDispatch  bool

	mu       sync.Mutex
	records  map[string]*execRecord
	draining bool

	baseCtx context.Context
	wg      sync.WaitGroup

	logger   *log.Logger
	logLevel LogLevel
}

// DispatcherConfig bundles the dispatcher's tunables.
type DispatcherConfig struct {
	MaxSlots      int
	QueueWait     time.Duration
	InvokeTimeout time.Duration
	AutoDispatch  bool
}

func NewDispatcher(baseCtx context.Context, st *store.Store, resolver *DependencyResolver, guard *RetryLoopGuard,
	invoker worker.Invoker, bus *events.Bus, audit *events.AuditLog, cfg DispatcherConfig,
	logger *log.Logger, logLevel LogLevel) *Dispatcher {

	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 4
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 10 * time.Second
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 30 * time.Minute
	}

	return &Dispatcher{
		store:         st,
		resolver:      resolver,
		guard:         guard,
		invoker:       invoker,
		bus:           bus,
		audit:         audit,
		slots:         semaphore.NewWeighted(int64(cfg.MaxSlots)),
		queueWait:     cfg.QueueWait,
		invokeTimeout: cfg.InvokeTimeout,
		autoDispatch:  cfg.AutoDispatch,
		records:       make(map[string]*execRecord),
		baseCtx:       baseCtx,
		logger:        logger,
		logLevel:      logLevel,
	}
}

// Trigger requests execution of a task. The caller blocks at most queueWait
// waiting for a slot; beyond that it receives QueueTimeoutError instead of
// queueing indefinitely.
func (d *Dispatcher) Trigger(ctx context.Context, taskID string) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrDraining
	}
	_, running := d.records[taskID]
	d.mu.Unlock()

	task, err := d.store.GetTask(taskID)
	if err != nil {
		return err
	}

	if running {
		return &model.AlreadyRunningError{ID: taskID}
	}
	if task.Status != model.StatusPending {
		if task.Status == model.StatusInProgress {
			return &model.AlreadyRunningError{ID: taskID}
		}
		return &model.ConflictError{Kind: "task", ID: taskID,
			Expected: string(model.StatusPending), Actual: string(task.Status)}
	}
	if ok, unmet := d.resolver.IsEligible(task); !ok {
		return &model.DependencyNotSatisfiedError{ID: taskID, Unmet: unmet}
	}

	// Register the record before acquiring a slot: a concurrent duplicate
	// trigger must fail with AlreadyRunningError even while this one waits.
	rec := &execRecord{
		recordID:  uuid.New().String(),
		taskID:    taskID,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrDraining
	}
	if _, exists := d.records[taskID]; exists {
		d.mu.Unlock()
		return &model.AlreadyRunningError{ID: taskID}
	}
	d.records[taskID] = rec
	d.mu.Unlock()

	waitCtx, cancelWait := context.WithTimeout(ctx, d.queueWait)
	defer cancelWait()
	if err := d.slots.Acquire(waitCtx, 1); err != nil {
		d.dropRecord(taskID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log(LogLevelWarn, "queue_timeout task=%s wait=%s", taskID, d.queueWait)
		return &model.QueueTimeoutError{Wait: d.queueWait}
	}

	started, err := d.store.ApplyTransition(taskID, model.StatusPending, model.StatusInProgress,
		model.TaskPatch{ClearNotBefore: true})
	if err != nil {
		d.dropRecord(taskID)
		d.slots.Release(1)
		return err
	}
	rec.attempt = started.RetryCount

	d.auditAppend("task_triggered", map[string]any{
		"task_id":       taskID,
		"record_id":     rec.recordID,
		"executor_role": started.ExecutorRole,
		"attempt":       rec.attempt,
	})
	d.publish(events.EventExecutionStarted, map[string]any{
		"task_id":       taskID,
		"record_id":     rec.recordID,
		"executor_role": started.ExecutorRole,
	})
	d.log(LogLevelInfo, "trigger task=%s role=%s attempt=%d record=%s",
		taskID, started.ExecutorRole, rec.attempt, rec.recordID)

	d.wg.Add(1)
	go d.run(rec, started)
	return nil
}

// run executes one invocation and applies the guard's decision.
func (d *Dispatcher) run(rec *execRecord, task *model.Task) {
	defer d.wg.Done()

	ictx, cancel := context.WithTimeout(d.baseCtx, d.invokeTimeout)
	defer cancel()
	rec.armCancel(cancel)

	outcome := d.invoker.Invoke(ictx, worker.Invocation{
		TaskID:      task.ID,
		Role:        task.ExecutorRole,
		Title:       task.Title,
		Description: task.Description,
		Attempt:     rec.attempt,
	})

	// The hard wall-clock timeout is always a transient failure, whatever the
	// adapter reported after its process was killed.
	if errors.Is(ictx.Err(), context.DeadlineExceeded) {
		outcome = model.Outcome{Kind: model.OutcomeTransient, Message: "invocation wall-clock timeout"}
	}

	fresh, err := d.store.GetTask(task.ID)
	if err != nil {
		d.log(LogLevelError, "outcome_fetch_failed task=%s error=%v", task.ID, err)
		fresh = task
	}

	decision := d.guard.Decide(fresh, outcome, rec.requeue())

	if _, err := d.store.ApplyTransition(task.ID, model.StatusInProgress, decision.To, decision.Patch); err != nil {
		d.log(LogLevelError, "outcome_transition_failed task=%s to=%s error=%v", task.ID, decision.To, err)
	}

	d.auditAppend("execution_finished", map[string]any{
		"task_id":   task.ID,
		"record_id": rec.recordID,
		"outcome":   string(outcome.Kind),
		"to":        string(decision.To),
		"duration":  time.Since(rec.startedAt).String(),
	})
	d.publish(events.EventExecutionFinished, map[string]any{
		"task_id": task.ID,
		"outcome": string(outcome.Kind),
		"to":      string(decision.To),
	})
	if decision.LoopDetected {
		d.auditAppend("loop_detected", map[string]any{
			"task_id": task.ID,
			"role":    outcome.TargetRole,
		})
		d.publish(events.EventLoopDetected, map[string]any{
			"task_id": task.ID,
			"role":    outcome.TargetRole,
		})
	}

	// Destroy the record and free the slot before any re-trigger so the new
	// attempt passes the at-most-one check.
	d.dropRecord(task.ID)
	d.slots.Release(1)
	close(rec.done)

	if decision.RetryAfter > 0 {
		time.AfterFunc(decision.RetryAfter, func() {
			if err := d.Trigger(d.baseCtx, task.ID); err != nil {
				d.log(LogLevelDebug, "retry_trigger_skipped task=%s error=%v", task.ID, err)
			}
		})
	}
	if decision.Retrigger {
		go func() {
			if err := d.Trigger(d.baseCtx, task.ID); err != nil {
				d.log(LogLevelDebug, "handoff_trigger_skipped task=%s error=%v", task.ID, err)
			}
		}()
	}
}

// Cancel cancels the in-flight execution of a task. With requeue the task
// lands back in pending; otherwise it parks blocked. Either way it never
// stays in_progress.
func (d *Dispatcher) Cancel(taskID string, requeue bool) error {
	d.mu.Lock()
	rec, ok := d.records[taskID]
	d.mu.Unlock()
	if !ok {
		return &model.NotFoundError{Kind: "execution", ID: taskID}
	}

	rec.requestCancel(requeue)
	d.auditAppend("execution_cancel_requested", map[string]any{
		"task_id": taskID,
		"requeue": requeue,
	})
	d.log(LogLevelInfo, "cancel_requested task=%s requeue=%v", taskID, requeue)
	return nil
}

// Running reports whether a task has an in-flight execution.
func (d *Dispatcher) Running(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.records[taskID]
	return ok
}

// InFlight returns the number of in-flight executions.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// ScanDue re-triggers pending tasks whose retry cooldown has passed, and,
// when auto-dispatch is enabled, any other eligible pending task. Runs on the
// daemon ticker so scheduled retries survive restarts.
func (d *Dispatcher) ScanDue() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	now := time.Now().UTC()
	for _, task := range d.resolver.EligibleSet("") {
		if task.NotBefore != nil {
			due, err := time.Parse(time.RFC3339, *task.NotBefore)
			if err != nil {
				// A schedule we cannot read is never due.
				d.log(LogLevelWarn, "scan_bad_not_before task=%s value=%q", task.ID, *task.NotBefore)
				continue
			}
			if now.Before(due) {
				continue
			}
		} else if !d.autoDispatch {
			continue
		}
		if err := d.Trigger(d.baseCtx, task.ID); err != nil {
			d.log(LogLevelDebug, "scan_trigger_skipped task=%s error=%v", task.ID, err)
		}
	}
}

// Drain stops accepting triggers and waits for in-flight executions to
// finish, up to the context deadline.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll requests cancellation of every in-flight execution, re-queueing
// the tasks so they run again after restart.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	recs := make([]*execRecord, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	d.mu.Unlock()

	for _, rec := range recs {
		rec.requestCancel(true)
	}
}

func (d *Dispatcher) dropRecord(taskID string) {
	d.mu.Lock()
	delete(d.records, taskID)
	d.mu.Unlock()
}

func (d *Dispatcher) auditAppend(action string, detail map[string]any) {
	if d.audit == nil {
		return
	}
	_, _ = d.audit.Append("system", action, detail)
}

func (d *Dispatcher) publish(t events.EventType, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(t, data)
}

func (d *Dispatcher) log(level LogLevel, format string, args ...any) {
	logf(d.logger, d.logLevel, level, "dispatcher", format, args...)
}
