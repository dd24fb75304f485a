// Package engine owns the worker pool that turns queued tasks into provider
// invocations. Each attempt runs under the task's distributed lock for its
// whole invoke-and-commit span, so no two processes can execute the same task
// concurrently or commit conflicting terminal states.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moltq/moltq/internal/callback"
	"github.com/moltq/moltq/internal/coordinator"
	"github.com/moltq/moltq/internal/model"
	"github.com/moltq/moltq/internal/provider"
	"github.com/moltq/moltq/internal/scheduler"
)

// ErrTaskNotFound is returned by Wait and GetResult for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// ErrWaitTimeout is returned by Wait when the task does not reach a terminal
// state within the caller's timeout.
var ErrWaitTimeout = errors.New("wait timed out")

const (
	// defaultPollInterval bounds how long an idle worker sleeps between
	// eligibility scans when no wake notification arrives. It also covers
	// the "provider registered after the task was queued" case.
	defaultPollInterval = 100 * time.Millisecond

	// busyRequeueDelay defers re-admission of a task whose lock another
	// process currently holds.
	busyRequeueDelay = 250 * time.Millisecond
)

// Config holds the engine's tunables.
type Config struct {
	MaxWorkers   int
	TaskTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LockLease    time.Duration
	PollInterval time.Duration
}

// Stats is a live snapshot of engine load.
type Stats struct {
	Running int            `json:"running"`
	Queued  int            `json:"queued"`
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// Engine pulls eligible tasks from the scheduler and drives them through
// lock acquisition, provider selection, invocation, the retry state machine,
// and callback dispatch.
type Engine struct {
	cfg        Config
	sched      *scheduler.Scheduler
	registry   *provider.Registry
	coord      coordinator.Coordinator
	dispatcher *callback.Dispatcher
	logger     *slog.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an engine. Start must be called before tasks make progress.
func New(cfg Config, sched *scheduler.Scheduler, reg *provider.Registry, coord coordinator.Coordinator, disp *callback.Dispatcher, logger *slog.Logger) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 30 * time.Second
	}
	return &Engine{
		cfg:        cfg,
		sched:      sched,
		registry:   reg,
		coord:      coord,
		dispatcher: disp,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.logger.Info("engine started", "workers", e.cfg.MaxWorkers)
}

// Stop shuts the pool down and waits for in-flight attempts to finish their
// current task.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Submit validates and enqueues a task for execution.
func (e *Engine) Submit(t *model.Task) error {
	if err := e.sched.Submit(t); err != nil {
		return err
	}
	tasksSubmitted.Inc()
	e.mirrorState(t.ID, model.StatusQueued)
	return nil
}

// SubmitBatch enqueues all tasks but lets at most concurrency of them be
// queued or running at once, independent of the global cap. All ids are
// returned immediately; callers use Wait per id.
func (e *Engine) SubmitBatch(tasks []*model.Task, concurrency int) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if concurrency <= 0 || concurrency > len(tasks) {
		concurrency = len(tasks)
	}

	for _, t := range tasks {
		if t.ID == "" {
			t.ID = model.NewID()
		}
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := e.sched.Track(t); err != nil {
			return nil, fmt.Errorf("batch task %s: %w", t.ID, err)
		}
		ids = append(ids, t.ID)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	go func() {
		for _, id := range ids {
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			if err := e.sched.Enqueue(id); err != nil {
				// Cancelled while still held back by the batch ceiling.
				sem.Release(1)
				continue
			}
			tasksSubmitted.Inc()
			e.mirrorState(id, model.StatusQueued)

			done, ok := e.sched.Done(id)
			if !ok {
				sem.Release(1)
				continue
			}
			go func() {
				<-done
				sem.Release(1)
			}()
		}
	}()

	return ids, nil
}

// GetResult returns the task's last known state.
func (e *Engine) GetResult(id string) (*model.Task, error) {
	t, ok := e.sched.Get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Wait blocks until the task reaches a terminal state, the timeout elapses,
// or ctx is cancelled. A zero timeout waits indefinitely.
func (e *Engine) Wait(ctx context.Context, id string, timeout time.Duration) (*model.Task, error) {
	done, ok := e.sched.Done(id)
	if !ok {
		return nil, ErrTaskNotFound
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-done:
		return e.GetResult(id)
	case <-timer:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation of the task.
func (e *Engine) Cancel(id string) bool {
	return e.sched.Cancel(id)
}

// Stats snapshots current load.
func (e *Engine) Stats() Stats {
	byStatus, total := e.sched.Counts()
	return Stats{
		Running: byStatus[model.StatusRunning],
		Queued:  byStatus[model.StatusQueued],
		Total:   total,
		ByState: byStatus,
	}
}

// worker is one pool member: pull an eligible task, run it, repeat. With no
// eligible task it suspends until a scheduler notification or a poll tick.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		t := e.sched.NextReady(e.registry.CanServe)
		if t == nil {
			select {
			case <-e.stop:
				return
			case <-e.sched.Notify():
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		e.logger.Debug("worker picked task", "worker", id, "task_id", t.ID, "priority", t.Priority)
		e.runTask(t)
	}
}

// runTask executes one attempt of a task the scheduler has already
// transitioned to Running.
func (e *Engine) runTask(t *model.Task) {
	ctx := context.Background()

	lease, err := e.coord.Acquire(ctx, t.ID, e.cfg.LockLease)
	if err != nil {
		// Busy is transient: another process holds the task. Anything else
		// from the store is treated the same way; the task stays queued for
		// a later attempt.
		if !errors.Is(err, coordinator.ErrBusy) {
			e.logger.Error("lock acquire failed", "task_id", t.ID, "error", err)
		}
		lockContention.Inc()
		if err := e.sched.Requeue(t.ID, busyRequeueDelay); err != nil {
			e.logger.Error("requeue after lock contention failed", "task_id", t.ID, "error", err)
		}
		return
	}
	defer func() {
		if err := e.coord.Release(ctx, lease); err != nil {
			e.logger.Error("lock release failed", "task_id", t.ID, "error", err)
		}
	}()

	providerName, invoker, err := e.registry.Select(t.Model)
	if err != nil {
		// The capability lost its last selectable provider between the
		// eligibility check and now. Counts as a failed attempt.
		attempt := e.sched.BeginAttempt(t.ID, "")
		e.settleFailure(ctx, t.ID, attempt, t.MaxAttempts,
			fmt.Sprintf("no provider available for model %q", t.Model))
		return
	}

	attempt := e.sched.BeginAttempt(t.ID, providerName)
	e.mirrorState(t.ID, model.StatusRunning)
	tasksRunning.Inc()
	defer tasksRunning.Dec()

	invokeCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	lockLost := e.keepLeaseAlive(invokeCtx, cancel, lease)

	result, invErr := invoker.Invoke(invokeCtx, provider.InvokeRequest{
		TaskID: t.ID,
		Prompt: t.Prompt,
		Model:  t.Model,
	})
	timedOut := invokeCtx.Err() == context.DeadlineExceeded
	cancel()

	e.registry.Release(providerName)
	e.registry.ReportOutcome(providerName, invErr == nil)
	providerInvocations.WithLabelValues(providerName, outcomeLabel(invErr)).Inc()

	if lockLost.Load() {
		// The lease expired mid-invocation; another node may already own the
		// task. Discard whatever the provider returned.
		e.settleFailure(ctx, t.ID, attempt, t.MaxAttempts, "lock lease lost during invocation")
		return
	}

	// Cooperative cancellation checkpoint: observed before the result commits.
	if e.sched.CancelRequested(t.ID) {
		e.complete(ctx, t.ID, model.StatusCancelled, "", "cancelled by caller")
		return
	}

	if invErr == nil {
		e.complete(ctx, t.ID, model.StatusSucceeded, result.Output, "")
		return
	}

	errMsg := invErr.Error()
	if timedOut {
		errMsg = fmt.Sprintf("task timed out after %s", e.cfg.TaskTimeout)
	}
	e.settleFailure(ctx, t.ID, attempt, t.MaxAttempts, errMsg)
}

// keepLeaseAlive renews the lease at a third of its duration while the
// attempt runs. A failed renewal cancels the invocation and latches the
// returned flag; the caller must then discard the attempt's result.
func (e *Engine) keepLeaseAlive(ctx context.Context, cancel context.CancelFunc, lease *coordinator.Lease) *atomic.Bool {
	lost := &atomic.Bool{}
	interval := lease.Duration / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.coord.Renew(ctx, lease); err != nil {
					e.logger.Warn("lease renewal failed", "task_id", lease.TaskID, "error", err)
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return lost
}

// settleFailure drives the retry state machine for a failed attempt:
// re-enqueue behind an exponential backoff while the budget lasts, otherwise
// record the terminal failure.
func (e *Engine) settleFailure(ctx context.Context, id string, attempt, maxAttempts int, errMsg string) {
	// Cancellation checkpoint: a cancel requested mid-attempt wins over retry.
	if e.sched.CancelRequested(id) {
		e.complete(ctx, id, model.StatusCancelled, "", "cancelled by caller")
		return
	}
	if attempt < maxAttempts {
		delay := e.backoff(attempt)
		e.logger.Info("task attempt failed, retrying",
			"task_id", id, "attempt", attempt, "max_attempts", maxAttempts, "backoff", delay.String(), "error", errMsg)
		taskRetries.Inc()
		if err := e.sched.Requeue(id, delay); err != nil {
			e.logger.Error("retry requeue failed", "task_id", id, "error", err)
			return
		}
		e.mirrorState(id, model.StatusQueued)
		return
	}
	e.complete(ctx, id, model.StatusFailed, "", errMsg)
}

// complete records a terminal state and fires callbacks. Dispatch happens
// after the state is recorded and, because runTask releases the lock in a
// defer, before the task's lock is released.
func (e *Engine) complete(ctx context.Context, id, status, result, errMsg string) {
	if err := e.sched.Complete(id, status, result, errMsg); err != nil {
		e.logger.Error("terminal transition failed", "task_id", id, "status", status, "error", err)
		return
	}
	e.mirrorState(id, status)
	tasksCompleted.WithLabelValues(status).Inc()

	if t, ok := e.sched.Get(id); ok {
		e.dispatcher.Dispatch(ctx, t)
	}
}

// backoff is the exponential retry delay: base * 2^(attempt-1), capped.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

// mirrorState pushes the task's status to the coordinator for cross-process
// visibility. Mirroring is best effort; local state remains authoritative.
func (e *Engine) mirrorState(id, status string) {
	if err := e.coord.SetTaskState(context.Background(), id, status); err != nil {
		e.logger.Warn("state mirror failed", "task_id", id, "status", status, "error", err)
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
