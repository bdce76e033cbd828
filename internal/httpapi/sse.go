package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/schema"
)

// handleProgress streams the progress of one execution as server-sent
// events. The current view is sent first; the stream ends after the final
// update.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the current view so no update falls between.
	var (
		ch     <-chan schema.Progress
		cancel = func() {}
	)
	if s.deps.Hub != nil {
		var err error
		ch, cancel, err = s.deps.Hub.Subscribe(ctx, streaming.Filter{ExecutionID: id})
		if err != nil {
			s.deps.Logger.Error("progress subscribe failed", zap.String("execution_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "subscribe failed")
			return
		}
	}
	defer cancel()

	current, err := s.deps.Runner.Progress(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, current)
	flusher.Flush()
	if ch == nil || current.Final || current.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, p)
			flusher.Flush()
			if p.Final {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, p schema.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	event := "progress"
	if p.Final || p.Status.IsTerminal() {
		event = "final"
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
