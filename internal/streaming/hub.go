package streaming

import (
	"context"
	"time"
)

// ProgressEvent is a real-time progress signal emitted during step execution.
// Delivery is fire-and-forget: losing a progress event never fails a workflow.
type ProgressEvent struct {
	WorkflowID string         `json:"workflow_id"`
	SessionID  string         `json:"session_id,omitempty"`
	StepID     int            `json:"step_id,omitempty"`
	Status     string         `json:"status"`
	Progress   float64        `json:"progress,omitempty"` // 0.0 to 1.0
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Filter specifies which progress events a subscriber wants to receive.
type Filter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
}

// ProgressSink provides pub/sub for progress events.
type ProgressSink interface {
	Publish(ctx context.Context, event ProgressEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan ProgressEvent, func(), error)
}
