package schema

// ExecutionStatus represents the lifecycle state of a single run.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepOutcome is the recorded outcome of one step.
type StepOutcome string

const (
	OutcomeCompleted StepOutcome = "completed"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSkipped   StepOutcome = "skipped"
)

// Classification buckets a step failure for retry decisions.
type Classification string

const (
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
	ClassCancelled Classification = "cancelled"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)
