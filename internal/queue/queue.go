package queue

import (
	"context"
	"time"
)

// JobSpec is one unit of queued step work. The idempotency key is
// workflowID:stepID:retryCount; enqueuing the same key twice returns the
// existing job instead of creating a duplicate.
type JobSpec struct {
	ID             string    `json:"id"`
	WorkflowID     string    `json:"workflow_id"`
	StepID         int       `json:"step_id"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key"`
	NotBefore      time.Time `json:"not_before,omitempty"`
}

// Queue is the step-dispatch work queue contract.
// All implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue adds a job and returns its ID. Duplicate idempotency keys
	// return the already-queued job's ID without enqueueing again.
	Enqueue(ctx context.Context, job *JobSpec) (string, error)
	// Dequeue claims the next due job, or returns nil when none is due.
	// Claimed jobs are invisible to other consumers until Ack, Nack, or
	// lease expiry.
	Dequeue(ctx context.Context) (*JobSpec, error)
	// Ack marks a claimed job done.
	Ack(ctx context.Context, jobID string) error
	// Nack returns a claimed job to the queue, delayed until retryAt.
	Nack(ctx context.Context, jobID string, retryAt time.Time, reason string) error
	// Len reports the number of jobs not yet done.
	Len(ctx context.Context) (int, error)
	Close() error
}
