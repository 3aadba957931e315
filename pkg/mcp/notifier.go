package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/larenas/sagaflow/internal/streaming"
)

// ProgressNotifier bridges step progress events to connected MCP clients.
// It subscribes to the progress sink and forwards each event to the MCP
// session registered for the event's saga session.
type ProgressNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	sink      streaming.ProgressSink
	logger    *slog.Logger
	stop      func()
}

// NewProgressNotifier creates a notifier that pushes progress over MCP.
func NewProgressNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, sink streaming.ProgressSink, logger *slog.Logger) *ProgressNotifier {
	return &ProgressNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		sink:      sink,
		logger:    logger,
	}
}

// Start subscribes to all progress events and forwards them until ctx is
// cancelled or Stop is called. Best-effort: events for sessions without a
// connected client are dropped.
func (n *ProgressNotifier) Start(ctx context.Context) error {
	events, cancel, err := n.sink.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	n.stop = cancel

	go func() {
		for ev := range events {
			n.forward(ev)
		}
	}()
	return nil
}

// Stop unsubscribes from the progress sink.
func (n *ProgressNotifier) Stop() {
	if n.stop != nil {
		n.stop()
	}
}

func (n *ProgressNotifier) forward(ev streaming.ProgressEvent) {
	mcpSessionID, ok := n.sessions.MCPSessionFor(ev.SessionID)
	if !ok {
		return // session not connected, best-effort
	}

	payload := map[string]any{
		"workflow_id": ev.WorkflowID,
		"step_id":     ev.StepID,
		"status":      ev.Status,
		"progress":    ev.Progress,
		"timestamp":   ev.Timestamp.Format(time.RFC3339),
	}
	if ev.Message != "" {
		payload["message"] = ev.Message
	}

	err := n.mcpServer.SendNotificationToSpecificClient(mcpSessionID, "notifications/progress", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send. Drop the mapping.
		n.sessions.Remove(mcpSessionID)
		return
	}
	if err != nil {
		n.logger.Warn("progress notification failed",
			slog.String("workflow_id", ev.WorkflowID),
			slog.String("error", err.Error()))
	}
}
