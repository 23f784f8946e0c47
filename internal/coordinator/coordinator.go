// Package coordinator implements the TaskCoordinator: the submit/cancel/
// progress boundary in front of ExtractionEngine, per spec §4.8.
//
// Grounded on the teacher's internal/middleware/limit.go UploadLimiter —
// the same "cap concurrent expensive work, reject or queue on exhaustion"
// shape, generalised from an HTTP in-flight-request limiter (non-blocking,
// 503 on exhaustion) to a task-admission semaphore (submit always accepts
// and returns a task_id; the task itself queues on the permit). Uses
// golang.org/x/sync/semaphore.Weighted rather than a channel semaphore
// because queued acquisitions need to honor per-task cancellation
// (semaphore.Acquire takes a context; a channel send does not).
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zynqcloud/archivecas/internal/engine"
	"github.com/zynqcloud/archivecas/internal/errs"
	"github.com/zynqcloud/archivecas/internal/security"
)

// TaskStatus is a task's lifecycle state as seen by the Coordinator. It is
// coarser than engine.ProgressKind — it only tracks admission and terminal
// outcome, not per-entry progress.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskStopped   TaskStatus = "stopped"
)

// subscriberBuffer bounds each SSE subscriber's channel. A slow consumer
// drops updates rather than blocking the extraction loop — the HTTP layer
// relies on versioned updates so a dropped intermediate is harmless.
const subscriberBuffer = 32

// Event is one item of a task's event stream: exactly one of Progress or
// Security is set, mirroring the two methods of engine.Sink.
type Event struct {
	Progress *engine.ProgressUpdate
	Security *engine.SecurityEvent
}

type task struct {
	id             string
	workspaceID    string
	archivePath    string
	policyOverride *security.Policy
	cancel         context.CancelFunc

	mu      sync.Mutex
	status  TaskStatus
	subs    map[chan Event]struct{}
	version int64
	summary engine.Summary
	err     error
}

// Progress implements engine.Sink, fanning a ProgressUpdate out to every
// live subscriber channel for this task.
func (t *task) Progress(u engine.ProgressUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version = u.Version
	ev := Event{Progress: &u}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Security implements engine.Sink, fanning a SecurityEvent out the same
// channels as Progress so a single ordered stream reaches the HTTP layer.
func (t *task) Security(se engine.SecurityEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := Event{Security: &se}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Coordinator runs submitted extraction tasks against one Engine, bounding
// concurrency with a weighted semaphore sized by New's concurrency argument
// (runtime.NumCPU() when it is <= 0, per spec §4.8).
type Coordinator struct {
	eng    *engine.Engine
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*task
}

// New builds a Coordinator. concurrency <= 0 defaults to runtime.NumCPU().
func New(eng *engine.Engine, concurrency int, logger *slog.Logger) *Coordinator {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		eng:    eng,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Submit accepts archivePath for ingestion into workspaceID and returns a
// fresh task_id immediately; the task itself queues on the concurrency
// semaphore until a permit frees up, per spec §4.8's backpressure
// requirement. policyOverride, when non-nil, supersedes the Coordinator's
// Engine's default Policy for this task only (spec §6: "per-submit JSON
// overrides in the HTTP body").
func (c *Coordinator) Submit(ctx context.Context, workspaceID, archivePath string, policyOverride *security.Policy) (string, error) {
	return c.submit(ctx, uuid.NewString(), workspaceID, archivePath, policyOverride)
}

// Resume re-submits archivePath under a taskID issued by an earlier Submit
// (or Resume) call, per spec §4.7/§8's resumption scenario: a caller that
// knows a task_id survived a crash or restart resumes it this way instead
// of minting a new one, letting Engine.Run pick the task's on-disk
// checkpoint back up and replay from last_committed_entry+1.
func (c *Coordinator) Resume(ctx context.Context, taskID, workspaceID, archivePath string, policyOverride *security.Policy) (string, error) {
	return c.submit(ctx, taskID, workspaceID, archivePath, policyOverride)
}

func (c *Coordinator) submit(ctx context.Context, taskID, workspaceID, archivePath string, policyOverride *security.Policy) (string, error) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t := &task{
		id:             taskID,
		workspaceID:    workspaceID,
		archivePath:    archivePath,
		policyOverride: policyOverride,
		cancel:         cancel,
		status:         TaskQueued,
		subs:           make(map[chan Event]struct{}),
	}

	c.mu.Lock()
	c.tasks[taskID] = t
	c.mu.Unlock()

	go c.run(taskCtx, t)
	return taskID, nil
}

// run acquires a concurrency permit, isolates the task's panics from its
// siblings (spec §4.8: "one task's panic does not bring down siblings"),
// and drives the task to completion.
func (c *Coordinator) run(ctx context.Context, t *task) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.finish(t, engine.Summary{}, err)
		return
	}
	defer c.sem.Release(1)

	c.setStatus(t, TaskRunning)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("extraction task panicked", "task_id", t.id, "panic", r)
			c.finish(t, engine.Summary{}, errs.New(errs.KindUnknown, "coordinator: task panicked").WithContext("recover", r))
		}
	}()

	eng := c.eng
	if t.policyOverride != nil {
		taskEngine := *c.eng
		taskEngine.Policy = *t.policyOverride
		eng = &taskEngine
	}

	summary, err := eng.Run(ctx, t.id, t.archivePath, t)
	c.finish(t, summary, err)
}

func (c *Coordinator) setStatus(t *task, status TaskStatus) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// finish records a task's terminal state and closes every subscriber
// channel so SSE handlers see end-of-stream.
func (c *Coordinator) finish(t *task, summary engine.Summary, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary = summary
	t.err = err
	switch {
	case errors.Is(err, context.Canceled):
		t.status = TaskStopped
	case err != nil:
		t.status = TaskFailed
	case summary.Cancelled:
		t.status = TaskStopped
	default:
		t.status = TaskCompleted
	}
	for ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

// Cancel requests cooperative cancellation of a running or queued task, per
// spec §4.8. The engine checks cancellation at every loop turn and streaming
// chunk boundary; CAS writes already committed are atomic and are not rolled
// back.
func (c *Coordinator) Cancel(taskID string) error {
	t, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	t.cancel()
	return nil
}

// Status reports a task's coordinator-level status plus its running
// totals/summary so far (final values once terminal).
func (c *Coordinator) Status(taskID string) (TaskStatus, engine.Summary, error) {
	t, err := c.lookup(taskID)
	if err != nil {
		return "", engine.Summary{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.summary, t.err
}

// Subscribe returns a channel of this task's Events plus an unsubscribe
// func the caller must call when done (e.g. on SSE client disconnect). The
// channel is closed once the task reaches a terminal state; subscribing to
// an already-finished task yields an immediately-closed channel.
func (c *Coordinator) Subscribe(taskID string) (<-chan Event, func(), error) {
	t, err := c.lookup(taskID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, subscriberBuffer)
	t.mu.Lock()
	if t.subs == nil {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if t.subs != nil {
			delete(t.subs, ch)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe, nil
}

func (c *Coordinator) lookup(taskID string) (*task, error) {
	c.mu.RLock()
	t, ok := c.tasks[taskID]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindIO, "coordinator: unknown task").WithContext("task_id", taskID)
	}
	return t, nil
}
