// Package httpapi exposes the runner over HTTP: workflow registration, run
// control, status queries, and a server-sent event stream of progress.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/loader"
	"github.com/rendis/houndflow/internal/streaming"
)

// maxBodyBytes caps request bodies, workflow documents included.
const maxBodyBytes = 4 << 20

// Deps holds the collaborators of the API server.
type Deps struct {
	Runner *engine.Runner
	Loader *loader.Loader
	Hub    streaming.Hub // optional; without it the progress stream is disabled
	Logger *zap.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	srv  *http.Server
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{deps: deps}
}

// Handler returns the router of the API routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows", s.handleRegisterWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/executions", s.handleStartExecution).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}/diagram", s.handleWorkflowDiagram).Methods(http.MethodGet)

	r.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/progress", s.handleProgress).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Logger.Info("http api listening", zap.String("addr", addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener started by ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Runner != nil {
		body["pool"] = s.deps.Runner.PoolMetrics()
	}
	writeJSON(w, http.StatusOK, body)
}
