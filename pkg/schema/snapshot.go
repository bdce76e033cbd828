package schema

import "time"

// StepResult is the outcome of one executed, failed, or skipped step.
type StepResult struct {
	StepID         string         `json:"stepId"`
	Type           StepType       `json:"type"`
	Status         StepOutcome    `json:"status"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          *EngineError   `json:"error,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Attempts       int            `json:"attempts"`
	DurationMs     int64          `json:"durationMs"`
	StartedAt      time.Time      `json:"startedAt"`
}

// LogEntry is one append-only execution log line.
type LogEntry struct {
	Seq            int            `json:"seq"`
	Time           time.Time      `json:"time"`
	Level          LogLevel       `json:"level"`
	StepID         string         `json:"stepId,omitempty"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification,omitempty"`
	Attempt        int            `json:"attempt,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Variable is a named value; snapshots keep variables in insertion order.
type Variable struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ExecutionSnapshot is a self-contained, serializable copy of a run's state.
type ExecutionSnapshot struct {
	ExecutionID   string                 `json:"executionId"`
	WorkflowID    string                 `json:"workflowId"`
	Status        ExecutionStatus        `json:"status"`
	Inputs        map[string]any         `json:"inputs,omitempty"`
	Variables     []Variable             `json:"variables"`
	StepResults   map[string]*StepResult `json:"stepResults"`
	ResultOrder   []string               `json:"resultOrder"`
	Logs          []LogEntry             `json:"logs"`
	Evidence      []string               `json:"evidence,omitempty"`
	Memo          map[string]any         `json:"memo,omitempty"`
	CurrentStepID string                 `json:"currentStepId,omitempty"`
	Error         *EngineError           `json:"error,omitempty"`
	StartedAt     time.Time              `json:"startedAt"`
	EndedAt       *time.Time             `json:"endedAt,omitempty"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// VariableMap flattens the ordered variables into a map.
func (s *ExecutionSnapshot) VariableMap() map[string]any {
	out := make(map[string]any, len(s.Variables))
	for _, v := range s.Variables {
		out[v.Name] = v.Value
	}
	return out
}

// Progress is a derived, publishable view of a run's advancement.
type Progress struct {
	ExecutionID    string          `json:"executionId"`
	WorkflowID     string          `json:"workflowId"`
	Status         ExecutionStatus `json:"status"`
	TotalSteps     int             `json:"totalSteps"`
	CompletedSteps int             `json:"completedSteps"`
	CurrentStepID  string          `json:"currentStepId,omitempty"`
	Percentage     float64         `json:"percentage"`
	Timestamp      time.Time       `json:"timestamp"`
	Final          bool            `json:"final"`
}
