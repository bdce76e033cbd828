package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

// workflowView is the JSON shape of a registered definition.
type workflowView struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	Version    string                   `json:"version,omitempty"`
	TotalSteps int                      `json:"totalSteps"`
	Inputs     []schema.InputDefinition `json:"inputs,omitempty"`
}

func viewOf(def *engine.WorkflowDefinition) workflowView {
	return workflowView{
		ID:         def.ID,
		Name:       def.Name,
		Version:    def.Version,
		TotalSteps: def.Plan.TotalSteps(),
		Inputs:     def.Inputs,
	}
}

// handleRegisterWorkflow accepts a YAML or JSON workflow document.
func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	def, err := s.deps.Loader.Parse(data)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.deps.Runner.RegisterDefinition(def)
	s.deps.Logger.Info("workflow registered", zap.String("workflow_id", def.ID))
	writeJSON(w, http.StatusCreated, viewOf(def))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	defs := s.deps.Runner.Definitions()
	out := make([]workflowView, 0, len(defs))
	for _, def := range defs {
		out = append(out, viewOf(def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.deps.Runner.Definition(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(def))
}

// handleStartExecution starts a run of a registered workflow. With
// ?wait=true the response is the snapshot after the run ends or pauses.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, ok := s.deps.Runner.Definition(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	var body struct {
		Inputs map[string]any `json:"inputs"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	id, err := s.deps.Runner.Start(ctx, def, body.Inputs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if queryBool(r, "wait") {
		snap, err := s.deps.Runner.Wait(ctx, id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"executionId": id,
		"workflowId":  def.ID,
		"status":      string(schema.StatusPending),
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SnapshotFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     schema.ExecutionStatus(q.Get("status")),
		Limit:      queryInt(r, "limit", 50),
	}
	summaries, err := s.deps.Runner.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if summaries == nil {
		summaries = []*store.SnapshotSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": summaries})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Runner.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Runner.Pause(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id, "action": "pause"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Runner.Resume(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id, "action": "resume"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}
	if err := s.deps.Runner.Cancel(r.Context(), id, body.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"executionId": id, "action": "cancel"})
}
