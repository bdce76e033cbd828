// Package evidence stores per-step evidence records on disk.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/pkg/schema"
)

// Record is the JSON document written for one captured step.
type Record struct {
	ExecutionID string                    `json:"executionId"`
	WorkflowID  string                    `json:"workflowId"`
	StepID      string                    `json:"stepId"`
	CapturedAt  time.Time                 `json:"capturedAt"`
	Result      *schema.StepResult        `json:"result,omitempty"`
	Snapshot    *schema.ExecutionSnapshot `json:"snapshot"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileSink writes one JSON file per capture under
// <dir>/<executionID>/<seq>-<stepID>.json and returns a file:// handle.
type FileSink struct {
	dir    string
	seq    atomic.Uint64
	logger *zap.Logger
	now    func() time.Time
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve evidence dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{dir: abs, logger: logger, now: time.Now}, nil
}

// Capture writes the evidence record of stepID.
func (s *FileSink) Capture(ctx context.Context, snap *schema.ExecutionSnapshot, stepID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rec := Record{
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		StepID:      stepID,
		CapturedAt:  s.now().UTC(),
		Result:      snap.StepResults[stepID],
		Snapshot:    snap,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}

	runDir := filepath.Join(s.dir, sanitize(snap.ExecutionID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence run dir: %w", err)
	}
	name := fmt.Sprintf("%04d-%s.json", s.seq.Add(1), sanitize(stepID))
	path := filepath.Join(runDir, name)

	tmp, err := os.CreateTemp(runDir, ".capture-*")
	if err != nil {
		return "", fmt.Errorf("create evidence file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write evidence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close evidence: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit evidence: %w", err)
	}

	s.logger.Debug("evidence captured",
		zap.String("execution_id", snap.ExecutionID),
		zap.String("step_id", stepID),
		zap.String("path", path))
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// Open reads back the record behind a handle returned by Capture.
func (s *FileSink) Open(handle string) (*Record, error) {
	u, err := url.Parse(handle)
	if err != nil || u.Scheme != "file" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "not an evidence handle: %q", handle)
	}
	path := filepath.FromSlash(u.Path)
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "evidence handle outside %s", s.dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "evidence %q", handle).WithCause(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	return &rec, nil
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return unsafeChars.ReplaceAllString(s, "_")
}
