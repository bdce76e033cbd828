package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	workflowIDKey
	stepIDKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// WithRun sets the execution and workflow IDs at once.
func WithRun(ctx context.Context, executionID, workflowID string) context.Context {
	return WithWorkflowID(WithExecutionID(ctx, executionID), workflowID)
}

// For returns a logger enriched with the correlation IDs found on ctx.
// Only non-empty values become fields.
func For(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := make([]zap.Field, 0, 3)
	if v := ExecutionID(ctx); v != "" {
		fields = append(fields, zap.String("execution_id", v))
	}
	if v := WorkflowID(ctx); v != "" {
		fields = append(fields, zap.String("workflow_id", v))
	}
	if v := StepID(ctx); v != "" {
		fields = append(fields, zap.String("step_id", v))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
