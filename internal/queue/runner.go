// Package queue provides the worker runtime over the durable stage queue
// substrate.
//
// Each named queue carries its own retry policy and concurrency limit.
// Workers pull claimed tasks from the store and dispatch them to registered
// handlers; there is no shared in-process mutable state between stages. All
// coordination goes through the durable store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CalWeave/CalWeave/internal/store"
)

// Handler is a function that executes a task's work. It receives the task's
// payload JSON and returns an error if the execution failed.
type Handler func(ctx context.Context, payload string) error

// Config holds the per-queue retry and concurrency policy.
type Config struct {
	// Attempts is the maximum number of delivery attempts.
	Attempts int
	// Backoff is the base retry delay, doubled on each attempt.
	Backoff time.Duration
	// Concurrency bounds how many tasks from this queue run at once.
	Concurrency int
}

// DefaultConfig is applied where a queue is registered without overrides.
var DefaultConfig = Config{Attempts: 3, Backoff: 30 * time.Second, Concurrency: 5}

// TerminalError marks a handler failure as non-retryable. The task is failed
// permanently instead of being redelivered.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the runner fails the task without retrying.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// DeferError asks the runner to reschedule the task after a delay without
// consuming an attempt. Used for test-mode paused jobs, which are re-delivered
// deliberately rather than failed.
type DeferError struct {
	After time.Duration
}

func (e *DeferError) Error() string { return fmt.Sprintf("deferred for %s", e.After) }

// Defer returns an error that reschedules the current task after d.
func Defer(d time.Duration) error {
	return &DeferError{After: d}
}

// Enqueuer is the narrow interface stage processors use to push work onto a
// queue. The dedupe key carries the deterministic stage identity.
type Enqueuer interface {
	Enqueue(queue string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)
}

type queueState struct {
	cfg     Config
	handler Handler
	// inFlight counts tasks currently executing for this queue.
	inFlight int
}

// Runner periodically claims due tasks per queue and dispatches them to the
// registered handlers within each queue's concurrency limit.
type Runner struct {
	repo           store.TaskRepo
	mu             sync.Mutex
	queues         map[string]*queueState
	pollInterval   time.Duration
	staleThreshold time.Duration
	wg             sync.WaitGroup
}

// NewRunner creates a new Runner polling the task repo at pollInterval.
func NewRunner(repo store.TaskRepo, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		repo:           repo,
		queues:         make(map[string]*queueState),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
	}
}

// Register binds a handler and policy to a queue name.
func (r *Runner) Register(queue string, cfg Config, handler Handler) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig.Attempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[queue] = &queueState{cfg: cfg, handler: handler}
	slog.Debug("Runner.Register", "queue", queue, "attempts", cfg.Attempts, "backoff", cfg.Backoff, "concurrency", cfg.Concurrency)
}

// Enqueue inserts a task on the named queue using the queue's configured
// attempt budget. Implements Enqueuer.
func (r *Runner) Enqueue(queue string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	r.mu.Lock()
	attempts := DefaultConfig.Attempts
	if qs, ok := r.queues[queue]; ok {
		attempts = qs.cfg.Attempts
	}
	r.mu.Unlock()
	return r.repo.EnqueueTask(queue, runAt, payloadJSON, dedupeKey, attempts)
}

// RecoverStaleTasks requeues tasks that were running when the process
// crashed. Should be called once at startup.
func (r *Runner) RecoverStaleTasks() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningTasks(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Runner.RecoverStaleTasks: requeued stale tasks", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled, then
// waits for in-flight tasks to finish.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting task runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping, waiting for in-flight tasks")
			r.wg.Wait()
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.mu.Lock()
		qs := r.queues[name]
		free := qs.cfg.Concurrency - qs.inFlight
		r.mu.Unlock()
		if free <= 0 {
			continue
		}

		tasks, err := r.repo.ClaimDueTasks(name, now, free)
		if err != nil {
			slog.Error("Runner.poll: claim failed", "queue", name, "error", err)
			continue
		}

		for _, task := range tasks {
			r.mu.Lock()
			qs.inFlight++
			r.mu.Unlock()
			r.wg.Add(1)
			go func(task store.Task, qs *queueState) {
				defer func() {
					r.mu.Lock()
					qs.inFlight--
					r.mu.Unlock()
					r.wg.Done()
				}()
				r.execute(ctx, qs, task)
			}(task, qs)
		}
	}
}

func (r *Runner) execute(ctx context.Context, qs *queueState, task store.Task) {
	slog.Debug("Runner.execute: executing task", "id", task.ID, "queue", task.Queue, "attempt", task.Attempt)

	err := qs.handler(ctx, task.PayloadJSON)
	if err == nil {
		if err := r.repo.CompleteTask(task.ID); err != nil {
			slog.Error("Runner.execute: complete task error", "id", task.ID, "error", err)
		}
		slog.Debug("Runner.execute: task completed", "id", task.ID, "queue", task.Queue)
		return
	}

	var deferErr *DeferError
	if errors.As(err, &deferErr) {
		// Deliberate re-delay; does not consume the retry budget.
		slog.Debug("Runner.execute: task deferred", "id", task.ID, "queue", task.Queue, "after", deferErr.After)
		if err := r.repo.DeferTask(task.ID, time.Now().Add(deferErr.After)); err != nil {
			slog.Error("Runner.execute: defer task error", "id", task.ID, "error", err)
		}
		return
	}

	var termErr *TerminalError
	if errors.As(err, &termErr) {
		slog.Error("Runner.execute: task failed terminally", "id", task.ID, "queue", task.Queue, "error", err)
		if err := r.repo.FailTaskTerminal(task.ID, err.Error()); err != nil {
			slog.Error("Runner.execute: fail task error", "id", task.ID, "error", err)
		}
		return
	}

	// Retryable: exponential backoff per attempt.
	backoff := qs.cfg.Backoff * (1 << task.Attempt)
	nextRun := time.Now().Add(backoff)
	slog.Error("Runner.execute: task failed, scheduling retry", "id", task.ID, "queue", task.Queue, "error", err, "nextRun", nextRun)
	if err := r.repo.FailTask(task.ID, err.Error(), nextRun); err != nil {
		slog.Error("Runner.execute: fail task error", "id", task.ID, "error", err)
	}
}
