package engine

import (
	"sync"

	"github.com/rendis/houndflow/pkg/schema"
)

// ValidTransitions lists the allowed status transitions of a run.
// Running and Paused are the only pair that may alternate.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending: {schema.StatusRunning, schema.StatusCancelled},
	schema.StatusRunning: {schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusPaused:  {schema.StatusRunning, schema.StatusCancelled},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusMachine guards the lifecycle status of one run.
type StatusMachine struct {
	mu          sync.Mutex
	executionID string
	current     schema.ExecutionStatus
}

// NewStatusMachine creates a machine starting at initial.
func NewStatusMachine(executionID string, initial schema.ExecutionStatus) *StatusMachine {
	return &StatusMachine{
		executionID: executionID,
		current:     initial,
	}
}

// Current returns the current status.
func (m *StatusMachine) Current() schema.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to status to, or returns INVALID_TRANSITION.
func (m *StatusMachine) Transition(to schema.ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.current, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", m.current, to).
			WithDetails(map[string]any{"execution_id": m.executionID, "from": string(m.current), "to": string(to)})
	}
	m.current = to
	return nil
}
