package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/larenas/sagaflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for components sharing the database
// (event log, job queue).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `workflow_id, session_id, instruction, task_type, plan_source, status, steps,
	current_step, completed_steps, failed_steps, skipped_steps, results,
	pending_compensations, compensation_history, error, last_heartbeat,
	created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *WorkflowState) error {
	cols, err := marshalWorkflowJSON(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.WorkflowID, wf.SessionID, wf.Instruction,
		nullStr(string(wf.TaskType)), nullStr(string(wf.PlanSource)), string(wf.Status),
		cols.steps, wf.CurrentStep, cols.completed, cols.failed, cols.skipped, cols.results,
		cols.pending, cols.history, nullStr(wf.Error), nullTime(wf.LastHeartbeat),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt), nullTime(wf.CompletedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.WorkflowID)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

// UpdateWorkflow replaces the full mutable state of the workflow in one write.
func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, wf *WorkflowState) error {
	cols, err := marshalWorkflowJSON(wf)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET
		   task_type = ?, plan_source = ?, status = ?, steps = ?, current_step = ?,
		   completed_steps = ?, failed_steps = ?, skipped_steps = ?, results = ?,
		   pending_compensations = ?, compensation_history = ?, error = ?,
		   last_heartbeat = ?, updated_at = CURRENT_TIMESTAMP, completed_at = ?
		 WHERE workflow_id = ?`,
		nullStr(string(wf.TaskType)), nullStr(string(wf.PlanSource)), string(wf.Status),
		cols.steps, wf.CurrentStep, cols.completed, cols.failed, cols.skipped, cols.results,
		cols.pending, cols.history, nullStr(wf.Error),
		nullTime(wf.LastHeartbeat), nullTime(wf.CompletedAt), wf.WorkflowID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", wf.WorkflowID)
}

func (s *LibSQLStore) ListBySession(ctx context.Context, sessionID string) ([]*WorkflowState, error) {
	return s.ListByStatus(ctx, WorkflowFilter{SessionID: sessionID})
}

func (s *LibSQLStore) ListByStatus(ctx context.Context, filter WorkflowFilter) ([]*WorkflowState, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*WorkflowState
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// TouchHeartbeat bumps last_heartbeat for the workflow.
func (s *LibSQLStore) TouchHeartbeat(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET last_heartbeat = CURRENT_TIMESTAMP WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return appendEventTx(ctx, s.db, event)
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, session_id, step_id, event_type, from_status, to_status, details, actor, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.StepID != 0 {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, session_id, step_id, event_type, from_status, to_status, details, actor, timestamp, sequence FROM events
		 WHERE ` + strings.Join(where, " AND ") + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var sessionID, fromStatus, toStatus, actor, details sql.NullString
		var stepID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &sessionID, &stepID, &e.Type,
			&fromStatus, &toStatus, &details, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.StepID = int(stepID.Int64)
		e.FromStatus = fromStatus.String
		e.ToStatus = toStatus.String
		e.Actor = actor.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

type workflowJSONCols struct {
	steps     string
	completed string
	failed    string
	skipped   string
	results   string
	pending   string
	history   string
}

func marshalWorkflowJSON(wf *WorkflowState) (*workflowJSONCols, error) {
	c := &workflowJSONCols{}
	var err error
	if c.steps, err = marshalOr(wf.Steps, "[]"); err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	if c.completed, err = marshalOr(wf.CompletedSteps, "[]"); err != nil {
		return nil, fmt.Errorf("marshal completed_steps: %w", err)
	}
	if c.failed, err = marshalOr(wf.FailedSteps, "[]"); err != nil {
		return nil, fmt.Errorf("marshal failed_steps: %w", err)
	}
	if c.skipped, err = marshalOr(wf.SkippedSteps, "[]"); err != nil {
		return nil, fmt.Errorf("marshal skipped_steps: %w", err)
	}
	if c.results, err = marshalOr(wf.Results, "{}"); err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	if c.pending, err = marshalOr(wf.PendingCompensations, "[]"); err != nil {
		return nil, fmt.Errorf("marshal pending_compensations: %w", err)
	}
	if c.history, err = marshalOr(wf.CompensationHistory, "[]"); err != nil {
		return nil, fmt.Errorf("marshal compensation_history: %w", err)
	}
	return c, nil
}

func marshalOr[T any](v T, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(b)
	if s == "null" {
		return empty, nil
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*WorkflowState, error) {
	wf := &WorkflowState{}
	var (
		taskType, planSource, errMsg         sql.NullString
		stepsJSON, completedJSON, failedJSON string
		skippedJSON, resultsJSON             string
		pendingJSON, historyJSON             string
		status                               string
		lastHeartbeat, completedAt           sql.NullTime
	)
	err := row.Scan(&wf.WorkflowID, &wf.SessionID, &wf.Instruction, &taskType, &planSource,
		&status, &stepsJSON, &wf.CurrentStep, &completedJSON, &failedJSON, &skippedJSON,
		&resultsJSON, &pendingJSON, &historyJSON, &errMsg, &lastHeartbeat,
		&wf.CreatedAt, &wf.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	wf.TaskType = schema.TaskType(taskType.String)
	wf.PlanSource = schema.PlanSource(planSource.String)
	wf.Status = schema.WorkflowStatus(status)
	wf.Error = errMsg.String
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	_ = json.Unmarshal([]byte(completedJSON), &wf.CompletedSteps)
	_ = json.Unmarshal([]byte(failedJSON), &wf.FailedSteps)
	_ = json.Unmarshal([]byte(skippedJSON), &wf.SkippedSteps)
	_ = json.Unmarshal([]byte(resultsJSON), &wf.Results)
	_ = json.Unmarshal([]byte(pendingJSON), &wf.PendingCompensations)
	_ = json.Unmarshal([]byte(historyJSON), &wf.CompensationHistory)
	if lastHeartbeat.Valid {
		wf.LastHeartbeat = &lastHeartbeat.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

func storeNotFound(resource, id string) *schema.SagaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
