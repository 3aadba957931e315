package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StepRunner is the queue's view of the executor (avoids import cycle).
type StepRunner interface {
	ExecuteStep(ctx context.Context, workflowID string, stepID int, idempotencyKey string) error
}

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Pool is a bounded goroutine pool for concurrent job execution.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewPool creates a pool with the given max concurrency.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// Worker drains the queue into the pool, calling back into the executor's
// per-step entry point. Failed jobs are nacked with a delay so the queue's
// own retry accounting stays in step with the executor's.
type Worker struct {
	queue        Queue
	pool         *Pool
	runner       StepRunner
	pollInterval time.Duration
	retryDelay   time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a Worker polling the queue at the given interval.
func NewWorker(q Queue, pool *Pool, runner StepRunner, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Worker{
		queue:        q,
		pool:         pool,
		runner:       runner,
		pollInterval: pollInterval,
		retryDelay:   5 * time.Second,
		logger:       logger,
	}
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(workerCtx)
	w.logger.Info("queue worker started")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and submits due jobs until the queue is momentarily empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", slog.String("error", err.Error()))
			return
		}
		if job == nil {
			return
		}

		j := *job
		err = w.pool.Submit(ctx, func(ctx context.Context) error {
			return w.runJob(ctx, &j)
		})
		if err != nil {
			// Could not hand the job to the pool; release the lease.
			_ = w.queue.Nack(ctx, j.ID, time.Now().Add(w.retryDelay), err.Error())
			if errors.Is(err, ErrPoolShutdown) {
				return
			}
		}
	}
}

func (w *Worker) runJob(ctx context.Context, job *JobSpec) error {
	err := w.runner.ExecuteStep(ctx, job.WorkflowID, job.StepID, job.IdempotencyKey)
	if err != nil {
		w.logger.Error("step job failed",
			slog.String("workflow_id", job.WorkflowID),
			slog.Int("step_id", job.StepID),
			slog.String("error", err.Error()),
		)
		if nackErr := w.queue.Nack(ctx, job.ID, time.Now().Add(w.retryDelay), err.Error()); nackErr != nil {
			w.logger.Error("nack failed", slog.String("error", nackErr.Error()))
		}
		return err
	}
	if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
		w.logger.Error("ack failed", slog.String("error", ackErr.Error()))
	}
	return nil
}

// Stop gracefully shuts down the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.pool.Wait()
	w.logger.Info("queue worker stopped")
}
