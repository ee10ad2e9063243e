// Package store provides the TaskRepo interface and model for the durable
// stage queue substrate.
package store

import (
	"time"
)

// TaskStatus represents the lifecycle state of a queued stage task.
type TaskStatus string

const (
	TaskStatusQueued   TaskStatus = "queued"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Task represents one durable queue entry for a pipeline stage. The dedupe
// key carries the deterministic business identity (stage + job id) so a
// redelivered or re-enqueued entry cannot duplicate effect.
type Task struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      TaskStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskRepo defines the interface for durable stage task persistence.
type TaskRepo interface {
	// EnqueueTask inserts a new task. If dedupeKey is non-empty and a
	// non-terminal task with that key already exists, the call returns the
	// existing task ID without inserting a duplicate.
	EnqueueTask(queue string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error)

	// ClaimDueTasks marks up to limit queued tasks on the given queue whose
	// run_at <= now as running and returns them.
	ClaimDueTasks(queue string, now time.Time, limit int) ([]Task, error)

	// CompleteTask marks a task as done.
	CompleteTask(id string) error

	// FailTask records the error and reschedules the task for retry at
	// nextRunAt if attempt < max_attempts; otherwise marks it permanently
	// failed.
	FailTask(id string, errMsg string, nextRunAt time.Time) error

	// FailTaskTerminal marks a task permanently failed regardless of the
	// remaining retry budget. Used for errors classified as non-retryable.
	FailTaskTerminal(id string, errMsg string) error

	// DeferTask reschedules a running task back to queued at runAt without
	// incrementing its attempt counter. Used for test-mode pauses, which must
	// not consume the stage's retry budget.
	DeferTask(id string, runAt time.Time) error

	// RequeueStaleRunningTasks resets tasks that have been running since
	// before staleBefore back to queued status (crash recovery).
	RequeueStaleRunningTasks(staleBefore time.Time) (int, error)

	// GetTask retrieves a single task by ID.
	GetTask(id string) (*Task, error)
}
