// Package backend routes primitive steps to the component that performs
// them: the browser backend for page interaction, and local builtins for
// wait, script, verify and ingest steps.
package backend

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/schema"
)

// Routes maps a primitive step type to the backend that performs it.
type Routes map[schema.StepType]engine.StepExecutorBackend

// Dispatcher is an engine.StepExecutorBackend over an immutable dispatch
// table. The table is copied at construction and never written again, so
// Execute needs no locking.
type Dispatcher struct {
	routes   map[schema.StepType]engine.StepExecutorBackend
	breakers *Breakers
	logger   *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBreakers guards every route with per-step-type circuit breakers.
func WithBreakers(b *Breakers) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = b }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher builds the dispatch table. Control-flow types and nil
// backends are rejected.
func NewDispatcher(routes Routes, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		routes: make(map[schema.StepType]engine.StepExecutorBackend, len(routes)),
		logger: zap.NewNop(),
	}
	for t, b := range routes {
		if t.IsControl() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot route control step type %q", t)
		}
		if b == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "nil backend for step type %q", t)
		}
		d.routes[t] = b
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Types lists the routed step types, sorted.
func (d *Dispatcher) Types() []schema.StepType {
	out := make([]schema.StepType, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute forwards req to the backend routed for its type.
func (d *Dispatcher) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	b, ok := d.routes[req.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "no backend for step type %q", req.Type).
			WithStep(req.StepID)
	}

	if err := d.breakers.Allow(req.Type); err != nil {
		return nil, err
	}

	resp, err := b.Execute(ctx, req)
	switch {
	case err == nil:
		d.breakers.Success(req.Type)
	case countsAgainstBackend(err):
		if state := d.breakers.Failure(req.Type); state == BreakerOpen {
			d.logger.Warn("backend circuit open",
				zap.String("step_type", string(req.Type)),
				zap.String("execution_id", req.ExecutionID),
				zap.Error(err))
		}
	case interrupted(err):
		d.breakers.Abandon(req.Type)
	default:
		// The backend answered; the page or the params were wrong.
		d.breakers.Success(req.Type)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &engine.StepResponse{}
	}
	return resp, nil
}

// countsAgainstBackend reports whether err says the backend itself is
// unhealthy, as opposed to the page or the step's params being wrong.
func countsAgainstBackend(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeBackendUnavailable, schema.ErrCodeNetwork:
		return true
	}
	return false
}

// interrupted reports whether the call was cut short before the backend
// gave an answer.
func interrupted(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeCancelled, schema.ErrCodeTimeout:
		return true
	}
	return false
}

// Options describes the collaborators of the standard route table.
type Options struct {
	// Browser performs page steps; nil leaves them unrouted.
	Browser         engine.StepExecutorBackend
	Schemas         ValueValidator
	Conditions      engine.ConditionEvaluator
	Ingest          store.IngestSink
	AllowJavaScript bool
	ScriptTimeout   time.Duration
}

// StandardRoutes builds the route table used by the CLI and the server.
func StandardRoutes(o Options) Routes {
	routes := Routes{
		schema.StepTypeWait:   &WaitBackend{Browser: o.Browser},
		schema.StepTypeScript: NewScriptBackend(o.AllowJavaScript, o.ScriptTimeout),
		schema.StepTypeVerify: &VerifyBackend{Schemas: o.Schemas, Conditions: o.Conditions},
	}
	if o.Browser != nil {
		for _, t := range BrowserStepTypes {
			if t != schema.StepTypeWait {
				routes[t] = o.Browser
			}
		}
	}
	if o.Ingest != nil {
		routes[schema.StepTypeIngest] = &IngestBackend{Sink: o.Ingest}
	}
	return routes
}
