package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rendis/houndflow/internal/diagram"
	"github.com/rendis/houndflow/pkg/schema"
)

// handleWorkflowDiagram renders a registered workflow.
// ?format=ascii|mermaid|svg|png (default ascii); ?execution=<id> overlays
// that run's step results.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["id"]
	def, ok := s.deps.Runner.Definition(workflowID)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "ascii"
	}
	contentType, ok := diagramContentTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
		return
	}

	var snap *schema.ExecutionSnapshot
	if execID := r.URL.Query().Get("execution"); execID != "" {
		var err error
		if snap, err = s.deps.Runner.Status(r.Context(), execID); err != nil {
			writeEngineError(w, err)
			return
		}
		if snap.WorkflowID != workflowID {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("execution %s belongs to workflow %s", execID, snap.WorkflowID))
			return
		}
	}

	model, err := diagram.Build(def.Document, snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body []byte
	switch format {
	case "ascii":
		body = []byte(diagram.RenderASCII(model))
	case "mermaid":
		body = []byte(diagram.RenderMermaid(model))
	default:
		if body, err = diagram.RenderImage(r.Context(), model, diagram.ImageFormat(format)); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

var diagramContentTypes = map[string]string{
	"ascii":   "text/plain; charset=utf-8",
	"mermaid": "text/plain; charset=utf-8",
	"svg":     "image/svg+xml",
	"png":     "image/png",
}
