package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/houndflow/pkg/schema"
)

// exprMaxNodes bounds the size of a compiled script.
const exprMaxNodes = 10_000

// ExprEngine is the default Script sandbox. expr-lang programs are
// expressions with no statements, I/O or unbounded loops; they support let
// bindings, array operations (filter, map, count, any, all, sum, min, max),
// string operations, nil coalescing (??), optional chaining (?.), and pipes.
type ExprEngine struct {
	programs *compiled[*vm.Program]
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newCompiled(compileExpr)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs a program with the keys of data as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "script cancelled").WithCause(err)
	}

	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePermanent,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Check compiles a program without running it.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// compileExpr compiles against an untyped environment so a cached program
// is valid for any data shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.MaxNodes(exprMaxNodes),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
