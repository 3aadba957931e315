package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *WorkflowState) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowState, error)
	// UpdateWorkflow replaces the full mutable state of the workflow keyed by
	// wf.WorkflowID. The write is atomic: readers observe either the previous
	// state or the new one, never a partial record.
	UpdateWorkflow(ctx context.Context, wf *WorkflowState) error
	ListBySession(ctx context.Context, sessionID string) ([]*WorkflowState, error)
	ListByStatus(ctx context.Context, filter WorkflowFilter) ([]*WorkflowState, error)
	// TouchHeartbeat bumps last_heartbeat without rewriting the rest of the
	// state, so the heartbeat goroutine cannot clobber a concurrent update.
	TouchHeartbeat(ctx context.Context, workflowID string) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
