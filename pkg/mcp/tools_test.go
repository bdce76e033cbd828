package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/loader"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/internal/validation"
	"github.com/rendis/houndflow/pkg/schema"
)

const loginYAML = `
id: login
name: Login
inputs:
  - name: user
    type: string
    required: true
steps:
  - id: open
    type: navigate
    params:
      url: https://app.example.com/login
  - id: submit
    type: fill
    params:
      selector: "#user"
      value: "${{ user }}"
`

type backendFunc func(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error)

func (f backendFunc) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	return f(ctx, req)
}

func okBackend(context.Context, *engine.StepRequest) (*engine.StepResponse, error) {
	return &engine.StepResponse{Outputs: map[string]any{"ok": true}}, nil
}

func newTestServer(t *testing.T, backend backendFunc) (*HoundflowServer, *engine.Runner) {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()
	v, err := validation.NewValidator(cel, jq)
	require.NoError(t, err)

	hub := streaming.NewMemoryHub(nil)
	runner, err := engine.NewRunner(engine.Dependencies{
		Backend:    backend,
		Conditions: cel,
		Outputs:    jq,
		Params:     expressions.NewInterpolator(),
		Inputs:     v,
		Progress:   hub,
		State:      engine.NewStateManager(store.NewMemoryStore(), nil),
	}, engine.RunnerConfig{ProgressInterval: time.Millisecond})
	require.NoError(t, err)

	s := NewHoundflowServer(HoundflowServerDeps{
		Runner: runner,
		Loader: loader.New(v, nil),
		Hub:    hub,
	})
	t.Cleanup(func() {
		s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return s, runner
}

func define(t *testing.T, s *HoundflowServer) {
	t.Helper()
	result, err := s.handleDefine(context.Background(), buildRequest("houndflow.define", map[string]any{
		"document": loginYAML,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

func TestDefineTool(t *testing.T) {
	s, runner := newTestServer(t, okBackend)

	result, err := s.handleDefine(context.Background(), buildRequest("houndflow.define", map[string]any{
		"document": loginYAML,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out workflowSummary
	unmarshalResult(t, result, &out)
	assert.Equal(t, "login", out.ID)
	assert.Equal(t, 2, out.TotalSteps)

	_, ok := runner.Definition("login")
	assert.True(t, ok)
}

func TestDefineToolInvalidDocument(t *testing.T) {
	s, _ := newTestServer(t, okBackend)

	result, err := s.handleDefine(context.Background(), buildRequest("houndflow.define", map[string]any{
		"document": "id: x\nsteps: []\n",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)
}

func TestDefineToolMissingDocument(t *testing.T) {
	s, _ := newTestServer(t, okBackend)
	result, err := s.handleDefine(context.Background(), buildRequest("houndflow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolWait(t *testing.T) {
	s, _ := newTestServer(t, okBackend)
	define(t, s)

	result, err := s.handleRun(context.Background(), buildRequest("houndflow.run", map[string]any{
		"workflow_id": "login",
		"inputs":      map[string]any{"user": "ada"},
		"wait":        true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var snap schema.ExecutionSnapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, schema.StatusCompleted, snap.Status)
	assert.Equal(t, "ada", snap.Inputs["user"])
	assert.Len(t, snap.StepResults, 2)
}

func TestRunToolAsync(t *testing.T) {
	s, runner := newTestServer(t, okBackend)
	define(t, s)

	result, err := s.handleRun(context.Background(), buildRequest("houndflow.run", map[string]any{
		"workflow_id": "login",
		"inputs":      map[string]any{"user": "ada"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	id, _ := out["execution_id"].(string)
	require.NotEmpty(t, id)

	snap, err := runner.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, snap.Status)
}

func TestRunToolMissingRequiredInput(t *testing.T) {
	s, _ := newTestServer(t, okBackend)
	define(t, s)

	result, err := s.handleRun(context.Background(), buildRequest("houndflow.run", map[string]any{
		"workflow_id": "login",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolUnknownWorkflow(t *testing.T) {
	s, _ := newTestServer(t, okBackend)

	result, err := s.handleRun(context.Background(), buildRequest("houndflow.run", map[string]any{
		"workflow_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not registered")
}

func TestStatusTool(t *testing.T) {
	s, runner := newTestServer(t, okBackend)
	define(t, s)
	def, _ := runner.Definition("login")
	snap, err := runner.Run(context.Background(), def, map[string]any{"user": "ada"})
	require.NoError(t, err)

	result, err := s.handleStatus(context.Background(), buildRequest("houndflow.status", map[string]any{
		"execution_id": snap.ExecutionID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Execution schema.ExecutionSnapshot `json:"execution"`
		Progress  schema.Progress          `json:"progress"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.StatusCompleted, out.Execution.Status)
	assert.Equal(t, float64(100), out.Progress.Percentage)
}

func TestStatusToolNotFound(t *testing.T) {
	s, _ := newTestServer(t, okBackend)

	result, err := s.handleStatus(context.Background(), buildRequest("houndflow.status", map[string]any{
		"execution_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestPauseResumeCancelTools(t *testing.T) {
	started := make(chan struct{}, 1)
	s, runner := newTestServer(t, func(ctx context.Context, _ *engine.StepRequest) (*engine.StepResponse, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	define(t, s)
	def, _ := runner.Definition("login")
	id, err := runner.Start(context.Background(), def, map[string]any{"user": "ada"})
	require.NoError(t, err)
	<-started

	result, err := s.handleCancel(context.Background(), buildRequest("houndflow.cancel", map[string]any{
		"execution_id": id,
		"reason":       "operator request",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	snap, err := runner.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, snap.Status)

	result, err = s.handlePause(context.Background(), buildRequest("houndflow.pause", map[string]any{"execution_id": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeInvalidTransition)

	result, err = s.handleResume(context.Background(), buildRequest("houndflow.resume", map[string]any{"execution_id": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	s, runner := newTestServer(t, okBackend)
	define(t, s)
	def, _ := runner.Definition("login")
	_, err := runner.Run(context.Background(), def, map[string]any{"user": "ada"})
	require.NoError(t, err)

	result, err := s.handleQuery(context.Background(), buildRequest("houndflow.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	var wfs struct {
		Workflows []workflowSummary `json:"workflows"`
	}
	unmarshalResult(t, result, &wfs)
	require.Len(t, wfs.Workflows, 1)

	result, err = s.handleQuery(context.Background(), buildRequest("houndflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "login", "status": "completed", "limit": float64(5)},
	}))
	require.NoError(t, err)
	var execs struct {
		Executions []store.SnapshotSummary `json:"executions"`
	}
	unmarshalResult(t, result, &execs)
	require.Len(t, execs.Executions, 1)
	assert.Equal(t, schema.StatusCompleted, execs.Executions[0].Status)

	result, err = s.handleQuery(context.Background(), buildRequest("houndflow.query", map[string]any{
		"resource": "templates",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 7, extractInt(map[string]any{"n": float64(7)}, "n", 1))
	assert.Equal(t, 8, extractInt(map[string]any{"n": "8"}, "n", 1))
	assert.Equal(t, 1, extractInt(map[string]any{"n": "x"}, "n", 1))
	assert.Equal(t, 1, extractInt(nil, "n", 1))
}

// --- Test helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func TestDiagramTool(t *testing.T) {
	s, runner := newTestServer(t, okBackend)
	define(t, s)

	result, err := s.handleDiagram(context.Background(), buildRequest("houndflow.diagram", map[string]any{
		"workflow_id": "login",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "open")
	assert.Contains(t, extractText(t, result), "submit")

	def, _ := runner.Definition("login")
	snap, err := runner.Run(context.Background(), def, map[string]any{"user": "ada"})
	require.NoError(t, err)

	result, err = s.handleDiagram(context.Background(), buildRequest("houndflow.diagram", map[string]any{
		"workflow_id":  "login",
		"execution_id": snap.ExecutionID,
		"format":       "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "class open completed")
}

func TestDiagramToolErrors(t *testing.T) {
	s, _ := newTestServer(t, okBackend)
	define(t, s)

	for name, args := range map[string]map[string]any{
		"missing workflow":  {},
		"unknown workflow":  {"workflow_id": "missing"},
		"unknown execution": {"workflow_id": "login", "execution_id": "nope"},
		"unknown format":    {"workflow_id": "login", "format": "gif"},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := s.handleDiagram(context.Background(), buildRequest("houndflow.diagram", args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}
