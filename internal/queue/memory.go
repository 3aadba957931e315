package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larenas/sagaflow/pkg/schema"
)

type memoryJob struct {
	spec   JobSpec
	status string // pending, leased, done
}

// MemoryQueue is an in-memory Queue for tests and single-process runs.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*memoryJob
	byKey  map[string]string // idempotency key -> job ID
	closed bool
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[string]*memoryJob),
		byKey: make(map[string]string),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *JobSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", schema.NewError(schema.ErrCodeQueue, "queue is closed")
	}

	if existing, ok := q.byKey[job.IdempotencyKey]; ok {
		return existing, nil
	}

	spec := *job
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	q.jobs[spec.ID] = &memoryJob{spec: spec, status: "pending"}
	q.byKey[spec.IdempotencyKey] = spec.ID
	return spec.ID, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*JobSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, schema.NewError(schema.ErrCodeQueue, "queue is closed")
	}

	now := time.Now()
	var best *memoryJob
	for _, j := range q.jobs {
		if j.status != "pending" || j.spec.NotBefore.After(now) {
			continue
		}
		if best == nil || j.spec.NotBefore.Before(best.spec.NotBefore) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.status = "leased"
	spec := best.spec
	return &spec, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", jobID)
	}
	j.status = "done"
	delete(q.byKey, j.spec.IdempotencyKey)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, jobID string, retryAt time.Time, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", jobID)
	}
	j.status = "pending"
	j.spec.Attempt++
	j.spec.NotBefore = retryAt
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.status != "done" {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
