package engine

import (
	"context"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// StepRequest is what a backend receives for one attempt of a primitive step.
type StepRequest struct {
	ExecutionID string
	StepID      string
	Type        schema.StepType
	Params      map[string]any
	Variables   map[string]any
	Deadline    time.Time
	Attempt     int
}

// StepResponse carries the outputs of a successful attempt.
type StepResponse struct {
	Outputs map[string]any
}

// StepExecutorBackend performs primitive steps. Implementations must honor
// ctx cancellation and the request deadline.
type StepExecutorBackend interface {
	Execute(ctx context.Context, req *StepRequest) (*StepResponse, error)
}

// EvidenceSink captures evidence after a successful step and returns a handle.
type EvidenceSink interface {
	Capture(ctx context.Context, snap *schema.ExecutionSnapshot, stepID string) (string, error)
}

// ConditionEvaluator evaluates guards and conditional branches.
type ConditionEvaluator interface {
	EvalBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// OutputEvaluator evaluates output-variable binding expressions over step outputs.
type OutputEvaluator interface {
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// ParamResolver resolves templated step params and variable paths.
type ParamResolver interface {
	ResolveParams(params map[string]any, vars map[string]any) (map[string]any, error)
	Lookup(path string, vars map[string]any) (any, error)
}

// InputValidator checks provided inputs against their declarations and
// returns them with defaults applied.
type InputValidator interface {
	ValidateInputs(defs []schema.InputDefinition, provided map[string]any) (map[string]any, error)
}

// ProgressPublisher delivers progress updates to subscribers.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, p schema.Progress) error
}
