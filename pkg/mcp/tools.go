package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/diagram"
	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

// workflowSummary is the tool view of a registered definition.
type workflowSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	TotalSteps int    `json:"total_steps"`
}

func summarize(def *engine.WorkflowDefinition) workflowSummary {
	return workflowSummary{ID: def.ID, Name: def.Name, Version: def.Version, TotalSteps: def.Plan.TotalSteps()}
}

// handleDefine validates and registers a workflow document.
func (s *HoundflowServer) handleDefine(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	def, parseErr := s.loader.Parse([]byte(doc))
	if parseErr != nil {
		return errorResult("invalid workflow", parseErr), nil
	}
	s.runner.RegisterDefinition(def)
	s.logger.Info("workflow registered", zap.String("workflow_id", def.ID))
	return marshalResult(summarize(def))
}

// handleRun starts an execution of a registered workflow.
func (s *HoundflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	def, ok := s.runner.Definition(workflowID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered", workflowID)), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	executionID, startErr := s.runner.Start(ctx, def, inputs)
	if startErr != nil {
		return errorResult("start failed", startErr), nil
	}
	if req.GetBool("notify", false) {
		s.watch(ctx, executionID)
	}

	if req.GetBool("wait", false) {
		snap, waitErr := s.runner.Wait(ctx, executionID)
		if waitErr != nil {
			return errorResult("wait failed", waitErr), nil
		}
		return marshalResult(snap)
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       schema.StatusPending,
	})
}

// handleStatus returns the snapshot and progress of an execution.
func (s *HoundflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	snap, statusErr := s.runner.Status(ctx, executionID)
	if statusErr != nil {
		return errorResult("status query failed", statusErr), nil
	}
	progress, progressErr := s.runner.Progress(ctx, executionID)
	if progressErr != nil {
		return errorResult("status query failed", progressErr), nil
	}
	return marshalResult(map[string]any{
		"execution": snap,
		"progress":  progress,
	})
}

func (s *HoundflowServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if pauseErr := s.runner.Pause(ctx, executionID); pauseErr != nil {
		return errorResult("pause failed", pauseErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": executionID, "action": "pause"})
}

func (s *HoundflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if resumeErr := s.runner.Resume(ctx, executionID); resumeErr != nil {
		return errorResult("resume failed", resumeErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": executionID, "action": "resume"})
}

func (s *HoundflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled by agent")
	if cancelErr := s.runner.Cancel(ctx, executionID, reason); cancelErr != nil {
		return errorResult("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": executionID, "action": "cancel"})
}

// handleQuery lists workflows or executions.
func (s *HoundflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		defs := s.runner.Definitions()
		out := make([]workflowSummary, 0, len(defs))
		for _, def := range defs {
			out = append(out, summarize(def))
		}
		return marshalResult(map[string]any{"workflows": out})
	case "executions":
		return s.queryExecutions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *HoundflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.SnapshotFilter{Limit: extractInt(filter, "limit", 50)}
	if wfID, ok := filter["workflow_id"].(string); ok {
		f.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok {
		f.Status = schema.ExecutionStatus(status)
	}
	summaries, err := s.runner.List(ctx, f)
	if err != nil {
		return errorResult("query failed", err), nil
	}
	if summaries == nil {
		summaries = []*store.SnapshotSummary{}
	}
	return marshalResult(map[string]any{"executions": summaries})
}

// --- Internal helpers ---

// watch pushes the final progress of executionID to the calling session.
func (s *HoundflowServer) watch(ctx context.Context, executionID string) {
	if s.notifier == nil {
		return
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.watches.Add(1)
	go func() {
		defer s.watches.Done()
		if err := s.notifier.NotifyOnFinish(s.base, session.SessionID(), executionID, s.runner.Progress); err != nil {
			s.logger.Warn("completion notification failed",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}()
}

// errorResult renders err as a tool error, keeping its code when present.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	if code := schema.ErrorCode(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func (s *HoundflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	def, ok := s.runner.Definition(workflowID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s is not registered", workflowID)), nil
	}

	var snap *schema.ExecutionSnapshot
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		if snap, err = s.runner.Status(ctx, executionID); err != nil {
			return errorResult("diagram failed", err), nil
		}
		if snap.WorkflowID != workflowID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s belongs to workflow %s", executionID, snap.WorkflowID)), nil
		}
	}

	model, err := diagram.Build(def.Document, snap)
	if err != nil {
		return errorResult("diagram failed", err), nil
	}

	switch format := req.GetString("format", "ascii"); format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		out, renderErr := diagram.RenderImage(ctx, model, diagram.ImageSVG)
		if renderErr != nil {
			return errorResult("diagram failed", renderErr), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	case "png":
		out, renderErr := diagram.RenderImage(ctx, model, diagram.ImagePNG)
		if renderErr != nil {
			return errorResult("diagram failed", renderErr), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(out)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}
