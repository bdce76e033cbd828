package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/rendis/houndflow/pkg/schema"
)

// celCostLimit bounds the runtime cost of a single condition.
const celCostLimit = 1_000_000

// celNamespaces are the top-level variables visible to conditions.
var celNamespaces = []string{"vars", "steps", "inputs"}

// celValue is the subject of a verify step assertion; null elsewhere.
const celValue = "value"

// CELEngine evaluates guards and conditional branch tests with Google's
// Common Expression Language. CEL is side-effect free and non-Turing
// complete, so conditions cannot run arbitrary code.
type CELEngine struct {
	env      *cel.Env
	programs *compiled[cel.Program]
}

// NewCELEngine creates a CEL engine exposing three map(string, dyn) variables:
//   - vars:   the run's variables (inputs, constants, bound outputs, loop items)
//   - steps:  step results keyed by result id: {status, outputs, attempts}
//   - inputs: the resolved workflow inputs
//
// plus value (dyn), the value under test in verify assertions.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celNamespaces)+1)
	for _, ns := range celNamespaces {
		opts = append(opts, cel.Variable(ns, mapType))
	}
	opts = append(opts, cel.Variable(celValue, cel.DynType))
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newCompiled(e.compile)
	return e, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "condition evaluation cancelled").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidParams,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvalBool evaluates a condition that must produce a boolean.
func (e *CELEngine) EvalBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeInvalidParams,
			"condition %q must evaluate to a boolean, got %T", expression, v).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Check compiles a condition without evaluating it. Conditions whose static
// type is known and not boolean are rejected.
func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return compileErr(expression, issues.Err())
	}
	switch ast.OutputType().Kind() {
	case types.BoolKind, types.DynKind, types.AnyKind:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q has type %s, want bool", expression, ast.OutputType()).
			WithDetails(map[string]any{"expression": expression})
	}
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileErr(expression, issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

func compileErr(expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"CEL compile error in %q: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// buildActivation fills missing namespaces with empty maps so conditions
// never fail on an absent variable.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celNamespaces)+1)
	for _, key := range celNamespaces {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	activation[celValue] = types.NullValue
	if v, ok := data[celValue]; ok && v != nil {
		activation[celValue] = v
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
