package expressions

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"

	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultScriptTimeout bounds a JavaScript evaluation when the caller sets no deadline.
const DefaultScriptTimeout = 5 * time.Second

// JSEngine runs JavaScript in a goja runtime. Each evaluation gets a fresh
// runtime with no module loader, console or host bindings; the keys of the
// data map are the only globals. The script's completion value is the result.
type JSEngine struct {
	timeout time.Duration
}

// NewJSEngine creates a JavaScript engine. A non-positive timeout uses
// DefaultScriptTimeout.
func NewJSEngine(timeout time.Duration) *JSEngine {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &JSEngine{timeout: timeout}
}

// Name returns the engine identifier.
func (e *JSEngine) Name() string {
	return "javascript"
}

// Evaluate runs source and exports its completion value. The runtime is
// interrupted when ctx ends or the engine timeout elapses.
func (e *JSEngine) Evaluate(ctx context.Context, source string, data map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty script")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for k, v := range data {
		if err := vm.Set(k, v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "bind %q: %s", k, err.Error()).WithCause(err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	val, err := vm.RunString(source)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, schema.NewError(schema.ErrCodeTimeout, "script timed out").WithCause(err)
			}
			return nil, schema.NewError(schema.ErrCodeCancelled, "script cancelled").WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "script failed: %s", err.Error()).WithCause(err)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

var _ Engine = (*JSEngine)(nil)
