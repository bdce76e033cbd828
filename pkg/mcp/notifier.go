package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/schema"
)

// notificationMethod is the MCP method used for completion pushes.
const notificationMethod = "notifications/message"

// sender is the subset of MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// ProgressNotifier pushes the final progress of an execution to an MCP
// session.
type ProgressNotifier struct {
	sender sender
	hub    streaming.Hub
	logger *zap.Logger
}

// NewProgressNotifier creates a notifier fed by hub.
func NewProgressNotifier(mcpServer *server.MCPServer, hub streaming.Hub, logger *zap.Logger) *ProgressNotifier {
	return newProgressNotifier(mcpServer, hub, logger)
}

func newProgressNotifier(s sender, hub streaming.Hub, logger *zap.Logger) *ProgressNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressNotifier{sender: s, hub: hub, logger: logger}
}

// ProgressFunc reads the current progress of an execution.
type ProgressFunc func(ctx context.Context, executionID string) (schema.Progress, error)

// NotifyOnFinish blocks until executionID publishes its final update, then
// sends it to sessionID. current covers runs that ended before the
// subscription was in place. A session that went away is not an error.
func (n *ProgressNotifier) NotifyOnFinish(ctx context.Context, sessionID, executionID string, current ProgressFunc) error {
	ch, cancel, err := n.hub.Subscribe(ctx, streaming.Filter{ExecutionID: executionID})
	if err != nil {
		return err
	}
	defer cancel()

	if current != nil {
		p, err := current(ctx, executionID)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			p.Final = true
			return n.send(sessionID, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if !p.Final {
				continue
			}
			return n.send(sessionID, p)
		}
	}
}

func (n *ProgressNotifier) send(sessionID string, p schema.Progress) error {
	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  "info",
		"logger": "houndflow",
		"data": map[string]any{
			"event":        "execution_finished",
			"execution_id": p.ExecutionID,
			"workflow_id":  p.WorkflowID,
			"status":       p.Status,
			"percentage":   p.Percentage,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.logger.Debug("session gone before completion", zap.String("session_id", sessionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify session %s: %w", sessionID, err)
	}
	return nil
}
