package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/larenas/sagaflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return appendEventTx(ctx, el.store.DB(), event)
}

// appendEventTx inserts the event inside a write transaction so the sequence
// read and the insert cannot interleave with a concurrent appender.
func appendEventTx(ctx context.Context, db *sql.DB, event *Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force write-lock
	// acquisition up front with a write-intent statement.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var details any
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(b)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, session_id, step_id, event_type, from_status, to_status, details, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.SessionID), nullInt(event.StepID), event.Type,
		nullStr(event.FromStatus), nullStr(event.ToStatus), details, nullStr(event.Actor),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for a workflow and returns the reconstructed
// per-step statuses keyed by step id. Returns an error on sequence gaps.
func (el *EventLog) ReplayEvents(ctx context.Context, workflowID string) (map[int]schema.StepStatus, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	statuses := make(map[int]schema.StepStatus)
	if len(events) == 0 {
		return statuses, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.StepID == 0 {
			continue
		}
		switch e.Type {
		case schema.EventStepDispatched, schema.EventStepRetry:
			statuses[e.StepID] = schema.StepStatusDispatched
		case schema.EventStepExecuting:
			statuses[e.StepID] = schema.StepStatusExecuting
		case schema.EventStepCompleted:
			statuses[e.StepID] = schema.StepStatusCompleted
		case schema.EventStepFailed:
			statuses[e.StepID] = schema.StepStatusFailed
		case schema.EventStepSkipped:
			statuses[e.StepID] = schema.StepStatusSkipped
		}
	}

	return statuses, nil
}
