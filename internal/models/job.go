package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind routes a lifecycle event to its handler.
type JobKind string

const (
	KindStatusUpdate   JobKind = "status_update"
	KindOverdueProcess JobKind = "overdue_process"
)

// Job is a lifecycle event carried on the Redis queue. The serialized JSON is
// the queue member itself; the queue owns the job until a worker claims it.
type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	TaskID      string    `json:"task_id"`
	Status      Status    `json:"status,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewStatusUpdate builds a status-update event for the given task.
func NewStatusUpdate(taskID string, status Status, maxAttempts int) Job {
	return Job{
		ID:          uuid.New().String(),
		Kind:        KindStatusUpdate,
		TaskID:      taskID,
		Status:      status,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// NewOverdueProcess builds an overdue-process event for the given task.
func NewOverdueProcess(taskID string, maxAttempts int) Job {
	return Job{
		ID:          uuid.New().String(),
		Kind:        KindOverdueProcess,
		TaskID:      taskID,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// DeadLetter is the terminal record of a job that exhausted its retry budget.
// Rows are append-only and never mutated.
type DeadLetter struct {
	JobID    string    `json:"job_id"`
	Kind     JobKind   `json:"kind"`
	Payload  []byte    `json:"payload"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
