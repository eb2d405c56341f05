// Package scheduler implements the time-ordered event queue used by the
// experiment controller's dispatch loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskStatus is the lifecycle status of a scheduled task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been executed yet.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusDone indicates the callback returned without error.
	TaskStatusDone TaskStatus = "DONE"

	// TaskStatusError indicates the callback failed or panicked.
	TaskStatusError TaskStatus = "ERROR"
)

// IsTerminal returns true once the task has been executed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusDone, TaskStatusError:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// Callback is the unit of work carried by a task.
type Callback func(ctx context.Context) error

// Task is a callback bound to an execution timestamp.
//
// ID and Callback are immutable once the task is created. Timestamp is owned
// by the scheduler (and whoever holds the scheduler's lock). Status and Result
// are written by the executor and must be read through Snapshot.
type Task struct {
	ID       int64
	Callback Callback

	timestamp time.Time

	mu     sync.Mutex
	status TaskStatus
	result string
	doneAt time.Time
}

// NewTask creates a pending task. The scheduler assigns its ID on first insertion.
func NewTask(cb Callback) *Task {
	return &Task{
		Callback: cb,
		status:   TaskStatusPending,
	}
}

// Timestamp returns the time the task is currently scheduled for.
// Callers must hold the lock guarding the owning scheduler.
func (t *Task) Timestamp() time.Time {
	return t.timestamp
}

// Complete records the outcome of running the task's callback.
func (t *Task) Complete(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.doneAt = time.Now()
	if err != nil {
		t.status = TaskStatusError
		t.result = err.Error()
		return
	}
	t.status = TaskStatusDone
	t.result = ""
}

// Status returns the current task status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TaskSnapshot is a consistent, read-only copy of a task.
type TaskSnapshot struct {
	ID          int64      `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// Snapshot returns a copy of the task's observable fields. The timestamp is
// the one the task was last scheduled for.
func (t *Task) Snapshot(scheduledFor time.Time) TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		ID:          t.ID,
		Timestamp:   scheduledFor,
		Status:      t.status,
		Result:      t.result,
		CompletedAt: t.doneAt,
	}
}
