package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/internal/streaming"
)

// HeartbeatPublisher emits liveness signals while a step executes. Progress
// events are fire-and-forget; losing one never fails the workflow. Each tick
// also bumps the workflow's last_heartbeat so the recovery manager can tell
// slow from abandoned.
type HeartbeatPublisher struct {
	sink     streaming.ProgressSink
	store    store.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeatPublisher creates a publisher ticking at the given interval.
func NewHeartbeatPublisher(sink streaming.ProgressSink, s store.Store, interval time.Duration, logger *slog.Logger) *HeartbeatPublisher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HeartbeatPublisher{sink: sink, store: s, interval: interval, logger: logger}
}

// Heartbeat is the per-step handle returned by Start. Exactly one terminal
// call (Complete, Fail or Cancel) stops the ticker and publishes the final
// event; later terminal calls are no-ops.
type Heartbeat struct {
	pub        *HeartbeatPublisher
	workflowID string
	sessionID  string
	stepID     int

	mu       sync.Mutex
	done     chan struct{}
	finished bool
	progress float64
	message  string
}

// Start begins heartbeating for a step and publishes an initial event.
func (p *HeartbeatPublisher) Start(ctx context.Context, wf *store.WorkflowState, stepID int, message string) *Heartbeat {
	hb := &Heartbeat{
		pub:        p,
		workflowID: wf.WorkflowID,
		sessionID:  wf.SessionID,
		stepID:     stepID,
		done:       make(chan struct{}),
	}

	hb.publish(ctx, "executing", 0, message, nil)

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-hb.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				hb.mu.Lock()
				progress, message := hb.progress, hb.message
				hb.mu.Unlock()
				hb.publish(ctx, "executing", progress, message, nil)
				if err := p.store.TouchHeartbeat(ctx, hb.workflowID); err != nil {
					p.logger.WarnContext(ctx, "heartbeat touch failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return hb
}

// UpdateProgress records the step's latest progress without forcing an
// emission; the next tick publishes it.
func (hb *Heartbeat) UpdateProgress(ctx context.Context, progress float64, message string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.finished {
		return
	}
	hb.progress = progress
	hb.message = message
}

// Complete stops the heartbeat with a final completed event.
func (hb *Heartbeat) Complete(ctx context.Context, message string) {
	hb.finish(ctx, "completed", 1, message)
}

// Fail stops the heartbeat with a final failed event.
func (hb *Heartbeat) Fail(ctx context.Context, message string) {
	hb.finish(ctx, "failed", 0, message)
}

// Cancel stops the heartbeat with a final cancelled event.
func (hb *Heartbeat) Cancel(ctx context.Context, message string) {
	hb.finish(ctx, "cancelled", 0, message)
}

func (hb *Heartbeat) finish(ctx context.Context, status string, progress float64, message string) {
	hb.mu.Lock()
	if hb.finished {
		hb.mu.Unlock()
		return
	}
	hb.finished = true
	close(hb.done)
	hb.mu.Unlock()

	hb.publish(ctx, status, progress, message, nil)
}

func (hb *Heartbeat) publish(ctx context.Context, status string, progress float64, message string, details map[string]any) {
	err := hb.pub.sink.Publish(ctx, streaming.ProgressEvent{
		WorkflowID: hb.workflowID,
		SessionID:  hb.sessionID,
		StepID:     hb.stepID,
		Status:     status,
		Progress:   progress,
		Message:    message,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		hb.pub.logger.DebugContext(ctx, "progress event dropped", slog.String("error", err.Error()))
	}
}
