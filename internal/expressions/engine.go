package expressions

import "context"

// Engine evaluates an expression or script against a data document.
// Implementations: CEL (conditions), GoJQ (output bindings), Expr and
// JavaScript (script sandboxes).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
