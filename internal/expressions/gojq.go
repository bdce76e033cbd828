package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/houndflow/pkg/schema"
)

// GoJQEngine evaluates jq expressions over step outputs. It backs the
// output-variable bindings of steps.
type GoJQEngine struct {
	programs *compiled[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newCompiled(compileJQ)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression with data as its input document.
//
// jq expressions can produce multiple outputs. When there is exactly one output,
// it is returned directly. When there are multiple outputs, they are collected
// into a slice and returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll is like Evaluate but always returns a slice of all outputs.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidParams,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// Check parses and compiles an expression without running it.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// compileJQ parses and compiles with an empty environment, so $ENV and
// env expose nothing from the process.
func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, jqError("parse", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, jqError("compile", expression, err)
	}
	return code, nil
}

func jqError(stage, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"jq %s error in %q: %s", stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// normalizeForJQ converts Go values into the types gojq accepts: maps with
// string keys, []any, float64/int, string, bool and nil. Anything else goes
// through a JSON round trip.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, int:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

var _ Engine = (*GoJQEngine)(nil)
