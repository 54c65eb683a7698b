package task

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"compass/internal/config"
	"compass/internal/errors"
	"compass/internal/logging"
)

// Handler executes one task type.
type Handler interface {
	// Type returns the task type this handler serves.
	Type() string
	// Execute runs the task. The returned JSON becomes the task result.
	// Long-running handlers should call exec.ReportProgress at checkpoints
	// and stop when exec.Cancelled reports true.
	Execute(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

// ErrCancelled is returned by handlers that stopped because cancellation was
// requested.
var ErrCancelled = stderrors.New("task cancelled")

// Execution is the handler's view of its running task.
type Execution struct {
	Task  *Task
	store Store
}

// ReportProgress records progress 0-100 and a short status line for the
// running task.
func (e *Execution) ReportProgress(ctx context.Context, progress int, message string) error {
	return e.store.UpdateProgress(ctx, e.Task.ID, progress, message)
}

// Cancelled reports whether cancellation has been requested. Handlers should
// check this at natural checkpoints and return ErrCancelled.
func (e *Execution) Cancelled(ctx context.Context) bool {
	requested, err := e.store.CancelRequested(ctx, e.Task.ID)
	if err != nil {
		return false
	}
	return requested
}

// Archiver lets the worker's maintenance schedule expire idle conversations
// alongside stale tasks.
type Archiver interface {
	ArchiveIdle(ctx context.Context, olderThan time.Duration) (int, error)
}

// Worker polls the task store, claims pending tasks, and dispatches them to
// registered handlers with bounded concurrency. A cron schedule handles
// queue maintenance: refailing stale running tasks and archiving idle
// sessions.
type Worker struct {
	store     Store
	cfg       config.WorkerConfig
	idleAfter time.Duration
	handlers  map[string]Handler
	sem       *semaphore.Weighted
	archiver  Archiver
	cron      *cron.Cron
	logger    logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewWorker constructs a worker. archiver may be nil when session archival
// is handled elsewhere.
func NewWorker(store Store, cfg config.WorkerConfig, idleAfter time.Duration, archiver Archiver) *Worker {
	return &Worker{
		store:     store,
		cfg:       cfg,
		idleAfter: idleAfter,
		handlers:  make(map[string]Handler),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		archiver:  archiver,
		logger:    logging.NewComponentLogger("TaskWorker"),
	}
}

// Register adds a handler. Registering two handlers for one type is a
// programming error.
func (w *Worker) Register(h Handler) error {
	if _, exists := w.handlers[h.Type()]; exists {
		return fmt.Errorf("handler already registered for type %q", h.Type())
	}
	w.handlers[h.Type()] = h
	return nil
}

// Start launches the poll loop and the maintenance schedule. It returns
// immediately; call Stop to shut down.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	w.cron = cron.New()
	if _, err := w.cron.AddFunc("@every 1m", func() { w.maintain(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	w.cron.Start()

	w.wg.Add(1)
	go w.poll(ctx)

	w.logger.Info("worker started: poll=%v concurrency=%d", w.cfg.PollInterval, w.cfg.MaxConcurrent)
	return nil
}

// Stop halts polling, waits for in-flight tasks, and stops maintenance.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	cronRunner := w.cron
	w.mu.Unlock()

	cancel()
	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) poll(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain claims tasks until the queue is empty or concurrency is saturated.
func (w *Worker) drain(ctx context.Context) {
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		t, err := w.store.Claim(ctx)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() == nil {
				w.logger.Error("claim failed: %v", err)
			}
			return
		}
		if t == nil {
			w.sem.Release(1)
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.run(ctx, t)
		}()
	}
}

func (w *Worker) run(ctx context.Context, t *Task) {
	handler, ok := w.handlers[t.Type]
	if !ok {
		w.logger.Warn("task %d has unknown type %q", t.ID, t.Type)
		w.finishFail(t.ID, fmt.Sprintf("no handler registered for type %q", t.Type))
		return
	}

	w.logger.Info("task %d started: type=%s session=%s", t.ID, t.Type, t.SessionID)
	result, err := w.execute(ctx, handler, t)

	// Finishing uses a fresh context so shutdown does not strand a task in
	// running state.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if cerr := w.store.Complete(finishCtx, t.ID, result); cerr != nil {
			w.logger.Error("task %d completed but could not be recorded: %v", t.ID, cerr)
			return
		}
		w.logger.Info("task %d completed", t.ID)
	case stderrors.Is(err, ErrCancelled):
		if cerr := w.store.FinishCancel(finishCtx, t.ID); cerr != nil {
			w.logger.Error("task %d cancelled but could not be recorded: %v", t.ID, cerr)
			return
		}
		w.logger.Info("task %d cancelled", t.ID)
	default:
		w.logger.Warn("task %d failed: %v", t.ID, err)
		if ferr := w.store.Fail(finishCtx, t.ID, err.Error()); ferr != nil {
			w.logger.Error("task %d failed but could not be recorded: %v", t.ID, ferr)
		}
	}
}

// execute runs the handler with panic isolation: a panicking handler fails
// its task instead of taking the worker down.
func (w *Worker) execute(ctx context.Context, handler Handler, t *Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task %d handler panic: %v\n%s", t.ID, r, debug.Stack())
			err = &errors.HandlerExecutionError{
				TaskType: t.Type,
				Message:  fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	exec := &Execution{Task: t, store: w.store}
	result, err = handler.Execute(ctx, exec)
	if err != nil && !stderrors.Is(err, ErrCancelled) {
		err = &errors.HandlerExecutionError{TaskType: t.Type, Message: err.Error(), Err: err}
	}
	return result, err
}

func (w *Worker) finishFail(id int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.Fail(ctx, id, reason); err != nil {
		w.logger.Error("task %d could not be failed: %v", id, err)
	}
}

// maintain refails abandoned tasks and archives idle sessions.
func (w *Worker) maintain(ctx context.Context) {
	if w.cfg.StaleThreshold > 0 {
		if n, err := w.store.RefailStale(ctx, w.cfg.StaleThreshold); err != nil {
			w.logger.Error("stale task sweep failed: %v", err)
		} else if n > 0 {
			w.logger.Warn("stale task sweep refailed %d tasks", n)
		}
	}
	if w.archiver != nil && w.idleAfter > 0 {
		if _, err := w.archiver.ArchiveIdle(ctx, w.idleAfter); err != nil {
			w.logger.Error("idle session sweep failed: %v", err)
		}
	}
}
