package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crewd/crewd/internal/config"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/httpapi"
	"github.com/crewd/crewd/internal/lock"
	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
	"github.com/crewd/crewd/internal/uds"
	"github.com/crewd/crewd/internal/worker"
)

// Daemon is the main crewd daemon process. It owns the task store, the
// dispatcher, and all external listeners.
type Daemon struct {
	stateDir string
	config   *config.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock   *lock.FileLock
	server     *uds.Server
	httpServer *http.Server
	watcher    *fsnotify.Watcher
	ticker     *time.Ticker

	bus        *events.Bus
	audit      *events.AuditLog
	store      *store.Store
	resolver   *DependencyResolver
	guard      *RetryLoopGuard
	dispatcher *Dispatcher
	sprints    *SprintManager
	invoker    worker.Invoker

	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to <stateDir>/logs/daemon.log.
func New(stateDir string, cfg *config.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(stateDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir string, cfg *config.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)
	d := &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logLevel: ParseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger),
		ticker:   time.NewTicker(cfg.Daemon.ScanInterval()),
		ctx:      ctx,
		cancel:   cancel,
	}

	return d, nil
}

// SetInvoker overrides the worker invoker. Must be called before Run().
func (d *Daemon) SetInvoker(inv worker.Invoker) {
	d.invoker = inv
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	d.log(LogLevelInfo, "daemon starting pid=%d state_dir=%s", os.Getpid(), d.stateDir)

	// Durable state: audit first so store operations can record into it.
	audit, err := events.OpenAuditLog(filepath.Join(d.stateDir, "audit.jsonl"), d.config.Audit.MaxEntries)
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus = events.NewBus(64)

	st, err := store.Open(d.stateDir, d.bus, d.audit)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.resolver = NewDependencyResolver(st, d.logger, d.logLevel)
	d.guard = NewRetryLoopGuard(
		d.config.Retry.MaxAttempts,
		d.config.Retry.BaseDelay(),
		d.config.Retry.MaxDelay(),
		d.config.Guard.LoopThreshold,
		d.logger, d.logLevel,
	)
	if d.invoker == nil {
		d.invoker = worker.NewExecInvoker(d.config.Worker.Command, d.config.Worker.Args)
	}
	d.dispatcher = NewDispatcher(d.ctx, st, d.resolver, d.guard, d.invoker, d.bus, d.audit,
		DispatcherConfig{
			MaxSlots:      d.config.Dispatch.MaxSlots,
			QueueWait:     d.config.Dispatch.QueueWait(),
			InvokeTimeout: d.config.Dispatch.InvokeTimeout(),
			AutoDispatch:  d.config.Dispatch.AutoDispatch,
		},
		d.logger, d.logLevel)
	d.sprints = NewSprintManager(st, d.resolver, d.dispatcher, d.bus, d.audit, d.logger, d.logLevel)

	d.recoverStale()

	// Inbox watcher: dropping <taskID>.trigger into inbox/ requests a dispatch.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	inboxDir := filepath.Join(d.stateDir, "inbox")
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", inboxDir, err)
	}
	if err := watcher.Add(inboxDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", inboxDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	if d.config.HTTP.Enabled {
		router := httpapi.NewRouter(d.store, d.audit, d.dispatcher, d.sprints, d.logger)
		d.httpServer = &http.Server{Addr: d.config.HTTP.Addr, Handler: router}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.log(LogLevelInfo, "HTTP API listening on %s", d.config.HTTP.Addr)
			if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log(LogLevelError, "http server error=%v", err)
			}
		}()
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	// Drain triggers left in the inbox from before this run, then pick up
	// any retries that came due while the daemon was down.
	d.scanInbox(inboxDir)
	d.dispatcher.ScanDue()
	d.log(LogLevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

// fsnotifyLoop processes inbox trigger files as they appear.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.handleTriggerFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// scanInbox processes trigger files that were written while the daemon was
// not watching.
// recoverStale re-queues tasks a previous daemon left in_progress. No
// execution record can exist for them in this process, so without this pass
// they would stay in_progress forever.
func (d *Daemon) recoverStale() {
	for _, task := range d.store.ListTasks(store.Filter{Status: model.StatusInProgress}) {
		if d.dispatcher.Running(task.ID) {
			continue
		}
		msg := "requeued after daemon restart"
		if _, err := d.store.ApplyTransition(task.ID, model.StatusInProgress, model.StatusPending,
			model.TaskPatch{LastError: &msg, ClearNotBefore: true}); err != nil {
			d.log(LogLevelWarn, "stale_recovery_failed task=%s error=%v", task.ID, err)
			continue
		}
		d.log(LogLevelInfo, "stale_recovered task=%s", task.ID)
	}
}

func (d *Daemon) scanInbox(inboxDir string) {
	entries, err := os.ReadDir(inboxDir)
	if err != nil {
		d.log(LogLevelWarn, "inbox scan failed error=%v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		d.handleTriggerFile(filepath.Join(inboxDir, entry.Name()))
	}
}

// handleTriggerFile dispatches the task named by a <taskID>.trigger file and
// consumes the file. Files with other extensions are ignored.
func (d *Daemon) handleTriggerFile(path string) {
	name := filepath.Base(path)
	taskID, ok := strings.CutSuffix(name, ".trigger")
	if !ok {
		return
	}

	if err := d.dispatcher.Trigger(d.ctx, taskID); err != nil {
		d.log(LogLevelWarn, "inbox_trigger_failed task=%s error=%v", taskID, err)
	} else {
		d.log(LogLevelInfo, "inbox_trigger task=%s", taskID)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log(LogLevelWarn, "inbox_cleanup_failed file=%s error=%v", path, err)
	}
}

// tickerLoop runs the periodic due-retry scan.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic scan triggered")
			d.dispatcher.ScanDue()
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once): stop
// intake, drain in-flight executions, then flush and release everything.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Stop intake. The UDS server keeps answering ping/status with
		// DRAINING while executions finish, so probes can tell a draining
		// daemon from a dead one.
		d.ticker.Stop()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			d.server.SetDraining(true)
		}
		if d.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.httpServer.Shutdown(shutdownCtx)
			cancel()
		}

		// 2. Drain in-flight executions with a deadline, then cancel the
		// stragglers so their tasks re-queue after restart.
		if d.dispatcher != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout())
			if err := d.dispatcher.Drain(drainCtx); err != nil {
				d.log(LogLevelWarn, "drain timeout after %s, cancelling %d in-flight executions",
					d.config.Daemon.ShutdownTimeout(), d.dispatcher.InFlight())
				d.dispatcher.CancelAll()
			}
			cancel()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}

		// 3. Stop background loops.
		d.cancel()
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(5 * time.Second):
			d.log(LogLevelWarn, "goroutine drain timeout, some operations may be incomplete")
		}

		// 4. Release resources.
		if d.bus != nil {
			d.bus.Close()
		}
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	_ = os.Remove(filepath.Join(d.stateDir, uds.DefaultSocketName))
	if d.audit != nil {
		_ = d.audit.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	logf(d.logger, d.logLevel, level, "daemon", format, args...)
}
