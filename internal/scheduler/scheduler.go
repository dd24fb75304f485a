// Package scheduler implements the priority queue and admission control for
// task execution. Ordering is strict (priority desc, submission order asc);
// equal-priority tasks run FIFO. There is no aging or priority boost for
// long-waiting low-priority tasks under sustained high-priority load.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moltq/moltq/internal/model"
)

// ValidationError rejects a submission synchronously; the task is never created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid task: " + e.Reason
}

// taskRecord pairs a task with its scheduler-side bookkeeping.
type taskRecord struct {
	task *model.Task
	// cancelRequested is set when Cancel is called on a running task and is
	// observed cooperatively by the engine before committing a result.
	cancelRequested bool
	// done is closed exactly once, when the task reaches a terminal status.
	done chan struct{}
}

// Scheduler owns the Pending→Queued→Running transitions, the priority queue,
// and the global concurrency cap. Terminal transitions are driven by the
// execution engine through Complete and Requeue.
type Scheduler struct {
	mu      sync.Mutex
	logger  *slog.Logger
	maxConc int
	running int
	seq     uint64
	records map[string]*taskRecord
	queue   entryHeap
	notify  chan struct{}
}

// New creates a scheduler with the given global running-task ceiling.
func New(maxConcurrent int, logger *slog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		logger:  logger,
		maxConc: maxConcurrent,
		records: make(map[string]*taskRecord),
		notify:  make(chan struct{}, 1),
	}
}

// Submit validates the task, registers it, and enqueues it. The task enters
// Pending and immediately transitions to Queued.
func (s *Scheduler) Submit(t *model.Task) error {
	if err := s.Track(t); err != nil {
		return err
	}
	return s.Enqueue(t.ID)
}

// Track validates and registers a task in Pending without enqueueing it.
// Batch submission uses this to hold tasks back behind a batch sub-ceiling
// while still handing ids to the caller.
func (s *Scheduler) Track(t *model.Task) error {
	if t.Prompt == "" {
		return &ValidationError{Reason: "prompt is empty"}
	}
	if t.Priority < model.PriorityMin || t.Priority > model.PriorityMax {
		return &ValidationError{Reason: fmt.Sprintf("priority %d outside [%d, %d]", t.Priority, model.PriorityMin, model.PriorityMax)}
	}
	if t.MaxAttempts <= 0 {
		return &ValidationError{Reason: "max_attempts must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = model.NewID()
	}
	if _, exists := s.records[t.ID]; exists {
		return &ValidationError{Reason: "duplicate task id " + t.ID}
	}

	t.Status = model.StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.records[t.ID] = &taskRecord{
		task: t,
		done: make(chan struct{}),
	}
	return nil
}

// Enqueue moves a tracked Pending task into the queue.
func (s *Scheduler) Enqueue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("enqueue: unknown task %s", id)
	}
	if !model.ValidTransition(rec.task.Status, model.StatusQueued) {
		return fmt.Errorf("enqueue: task %s is %s", id, rec.task.Status)
	}
	rec.task.Status = model.StatusQueued
	s.push(rec.task, time.Time{})
	s.logger.Debug("task queued", "task_id", id, "priority", rec.task.Priority)
	s.wakeLocked()
	return nil
}

// NextReady pops the highest-priority Queued task whose capability the
// eligible filter accepts, respecting the global concurrency cap and any
// per-task backoff deferral. The returned task has been transitioned to
// Running. Returns nil when nothing is eligible; callers wait on Notify or
// poll.
func (s *Scheduler) NextReady(eligible func(capability string) bool) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running >= s.maxConc {
		return nil
	}

	now := time.Now()
	var skipped []entry
	var picked *taskRecord

	for s.queue.Len() > 0 {
		e := s.queue.pop()
		rec, ok := s.records[e.id]
		if !ok || rec.task.Status != model.StatusQueued {
			// Lazily dropped: cancelled or already re-admitted elsewhere.
			continue
		}
		if e.notBefore.After(now) || (eligible != nil && !eligible(rec.task.Model)) {
			skipped = append(skipped, e)
			continue
		}
		picked = rec
		break
	}
	for _, e := range skipped {
		s.queue.push(e)
	}

	if picked == nil {
		return nil
	}

	now = time.Now().UTC()
	picked.task.Status = model.StatusRunning
	picked.task.StartedAt = &now
	s.running++
	return picked.task
}

// Requeue returns a Running task to the queue after a failed attempt,
// deferring its re-admission by delay. Capacity held by the attempt is freed.
func (s *Scheduler) Requeue(id string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("requeue: unknown task %s", id)
	}
	if !model.ValidTransition(rec.task.Status, model.StatusQueued) {
		return fmt.Errorf("requeue: task %s is %s", id, rec.task.Status)
	}

	rec.task.Status = model.StatusQueued
	s.running--
	s.push(rec.task, time.Now().Add(delay))

	if delay > 0 {
		// Wake a worker once the deferral elapses; until then the entry is
		// skipped by NextReady.
		time.AfterFunc(delay, s.wake)
	} else {
		s.wakeLocked()
	}
	return nil
}

// Complete records a terminal status for a Running task, freeing its capacity
// slot and closing its done channel.
func (s *Scheduler) Complete(id, status, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("complete: unknown task %s", id)
	}
	if !model.Terminal(status) {
		return fmt.Errorf("complete: %s is not a terminal status", status)
	}
	if !model.ValidTransition(rec.task.Status, status) {
		return fmt.Errorf("complete: task %s is %s, cannot become %s", id, rec.task.Status, status)
	}

	now := time.Now().UTC()
	rec.task.Status = status
	rec.task.Result = result
	rec.task.Error = errMsg
	rec.task.CompletedAt = &now
	s.running--
	close(rec.done)
	s.wakeLocked()
	return nil
}

// Cancel requests cancellation. Pending and Queued tasks are cancelled
// immediately; a Running task gets a flag the engine observes at its next
// checkpoint. Returns false for unknown or already-terminal tasks.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}

	switch rec.task.Status {
	case model.StatusPending, model.StatusQueued:
		now := time.Now().UTC()
		rec.task.Status = model.StatusCancelled
		rec.task.CompletedAt = &now
		close(rec.done)
		s.logger.Info("task cancelled", "task_id", id)
		return true
	case model.StatusRunning:
		rec.cancelRequested = true
		s.logger.Info("cancellation requested for running task", "task_id", id)
		return true
	default:
		return false
	}
}

// BeginAttempt increments the task's attempt counter and records the provider
// chosen for it, returning the new attempt number. An empty provider name
// marks an attempt that failed before selection.
func (s *Scheduler) BeginAttempt(id, providerName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0
	}
	rec.task.AttemptCount++
	rec.task.AssignedProvider = providerName
	return rec.task.AttemptCount
}

// CancelRequested reports whether a cooperative cancel is pending for the task.
func (s *Scheduler) CancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return ok && rec.cancelRequested
}

// Get returns a copy of the task, so callers never observe concurrent
// scheduler mutations.
func (s *Scheduler) Get(id string) (*model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec.task
	return &cp, true
}

// List returns copies of all tasks, optionally filtered by status.
func (s *Scheduler) List(status string) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Task, 0, len(s.records))
	for _, rec := range s.records {
		if status != "" && rec.task.Status != status {
			continue
		}
		cp := *rec.task
		out = append(out, &cp)
	}
	return out
}

// Done returns a channel closed when the task reaches a terminal status.
func (s *Scheduler) Done(id string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.done, true
}

// Counts reports the number of tasks per status plus the total.
func (s *Scheduler) Counts() (byStatus map[string]int, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStatus = make(map[string]int)
	for _, rec := range s.records {
		byStatus[rec.task.Status]++
	}
	return byStatus, len(s.records)
}

// Notify returns the wake channel workers block on when no task is eligible.
// A single buffered slot coalesces bursts; workers additionally poll.
func (s *Scheduler) Notify() <-chan struct{} {
	return s.notify
}

func (s *Scheduler) push(t *model.Task, notBefore time.Time) {
	s.seq++
	s.queue.push(entry{
		id:        t.ID,
		priority:  t.Priority,
		seq:       s.seq,
		notBefore: notBefore,
	})
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// wakeLocked is wake for call sites already holding mu; the channel send
// itself never blocks so no lock ordering issue arises.
func (s *Scheduler) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
