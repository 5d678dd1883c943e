// Package queue implements the durable, at-least-once task queue that drives
// the discovery pipeline. It is infrastructure: it knows handler names and
// opaque payloads, never stage semantics.
package queue

import "time"

// TaskStatus is the execution state of a queued task.
type TaskStatus string

const (
	// TaskPending means the task is eligible to run once run_at has passed.
	TaskPending TaskStatus = "pending"
	// TaskRunning means a worker holds a lease on the task. If the lease
	// expires without completion the task becomes claimable again.
	TaskRunning TaskStatus = "running"
	// TaskCompleted means the handler returned without error.
	TaskCompleted TaskStatus = "completed"
	// TaskDead means the task failed and exhausted its attempts.
	TaskDead TaskStatus = "dead"
)

// Task is one unit of work: a named handler plus an opaque JSON payload,
// with at-least-once delivery bookkeeping.
type Task struct {
	ID             string     `json:"id" db:"id"`
	Handler        string     `json:"handler" db:"handler"`
	Payload        []byte     `json:"payload" db:"payload"`
	RunAt          time.Time  `json:"run_at" db:"run_at"`
	Status         TaskStatus `json:"status" db:"status"`
	Attempts       int        `json:"attempts" db:"attempts"`
	MaxAttempts    int        `json:"max_attempts" db:"max_attempts"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}
